// Package router implements the per-protocol lookup shared by all four
// ingress listeners (§2 diagram, §4.4's lookup_* contracts): port →
// session, SNI host → session, subdomain/custom domain → session. It is a
// thin, read-mostly facade over the registry — the registry already owns
// the locking and the O(1)/O(range) lookup semantics; the router exists so
// ingress code depends on one small interface instead of the whole
// registry surface (allocation, sweep, detach).
package router

import (
	"errors"
	"strings"

	"github.com/relaydio/relayd/internal/registry"
)

// ErrNoTunnel is returned when no live session is registered for the
// requested public identity (§7, Ingress taxonomy NoTunnel).
var ErrNoTunnel = errors.New("router: no tunnel registered")

// Router resolves public-facing identities to the session that should
// receive the traffic.
type Router struct {
	reg    *registry.Registry
	domain string // base domain for subdomain routing, e.g. "tunnel.example.com"
}

// New creates a Router backed by reg. domain is the base domain used to
// derive a subdomain from an inbound Host header; it may be empty, in
// which case ExtractSubdomain treats the whole leading label as the
// subdomain (local/no-domain deployments, §6 "If empty, runs in HTTP-only
// mode").
func New(reg *registry.Registry, domain string) *Router {
	return &Router{reg: reg, domain: domain}
}

// LookupTCP resolves a TCP ingress port to its session.
func (r *Router) LookupTCP(port uint16) (registry.SessionHandle, error) {
	return wrap(r.reg.LookupByPort(port))
}

// LookupSNI resolves a TLS-SNI hostname to its session.
func (r *Router) LookupSNI(hostname string) (registry.SessionHandle, error) {
	return wrap(r.reg.LookupBySNIHost(hostname))
}

// LookupSubdomain resolves an HTTP(S) subdomain to its session.
func (r *Router) LookupSubdomain(subdomain string) (registry.SessionHandle, error) {
	return wrap(r.reg.LookupBySubdomain(subdomain))
}

// LookupCustomDomain resolves a custom HTTPS domain to its session.
func (r *Router) LookupCustomDomain(domain string) (registry.SessionHandle, error) {
	return wrap(r.reg.LookupByCustomDomain(domain))
}

// LookupHost resolves an inbound Host header to a session, trying the base
// domain's subdomain form first and falling back to treating host as a
// custom domain.
func (r *Router) LookupHost(host string) (registry.SessionHandle, error) {
	if sub := r.ExtractSubdomain(host); sub != "" {
		if sess, err := r.LookupSubdomain(sub); err == nil {
			return sess, nil
		}
	}
	return r.LookupCustomDomain(stripPort(host))
}

// ExtractSubdomain extracts the leading label of host as a subdomain of
// the router's configured base domain. If a base domain is configured and
// host does not end in it, the result is empty. With no base domain
// configured, any multi-label host's first label is the subdomain,
// matching the teacher's local/no-domain behavior.
func (r *Router) ExtractSubdomain(host string) string {
	host = stripPort(host)
	host = strings.ToLower(host)

	if r.domain != "" {
		suffix := "." + r.domain
		if strings.HasSuffix(host, suffix) {
			return strings.TrimSuffix(host, suffix)
		}
		return ""
	}

	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		return host[:idx]
	}
	return host
}

func wrap(sess registry.SessionHandle, err error) (registry.SessionHandle, error) {
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrNoTunnel
		}
		return nil, err
	}
	return sess, nil
}
