// Package certprovider implements the certificate lookup the HTTPS
// ingress needs per inbound SNI (§4.8). ACME issuance itself is an
// external collaborator (§1); this package only defines the narrow
// interface the ingress depends on and wraps the teacher's
// golang.org/x/crypto/acme/autocert as the default implementation.
package certprovider

import (
	"context"
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/acme/autocert"
)

// Provider resolves a certificate for an inbound TLS ClientHello by SNI
// hostname. It is consulted once per handshake via tls.Config.GetCertificate.
type Provider interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// HostPolicy decides whether hostname is allowed to obtain a certificate —
// in relayd's case, whether it's the base domain's wildcard or a
// subdomain/custom domain backed by a live or reserved registry entry.
type HostPolicy func(ctx context.Context, hostname string) error

// AutocertProvider issues and caches certificates via ACME (Let's
// Encrypt), gated by a HostPolicy so the relay never requests a
// certificate for a hostname with no corresponding tunnel (§4.8: "Unknown
// SNI ⇒ close after TLS alert").
type AutocertProvider struct {
	manager *autocert.Manager
}

// NewAutocertProvider creates an AutocertProvider caching certificates
// under certDir and gating issuance with policy.
func NewAutocertProvider(certDir string, policy HostPolicy) *AutocertProvider {
	return &AutocertProvider{
		manager: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(certDir),
			HostPolicy: autocert.HostPolicy(policy),
		},
	}
}

// GetCertificate implements Provider.
func (p *AutocertProvider) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return p.manager.GetCertificate(hello)
}

// Manager exposes the underlying autocert.Manager for callers (the relay
// coordinator) that need its HTTPHandler for ACME challenges or its
// TLSConfig for the HTTPS listener.
func (p *AutocertProvider) Manager() *autocert.Manager {
	return p.manager
}

// StaticProvider serves a single fixed certificate regardless of SNI — the
// non-ACME path for a relay fronted by a load balancer or a manually
// provisioned cert (tls_cert/tls_key, §6).
type StaticProvider struct {
	cert tls.Certificate
}

// NewStaticProvider loads a certificate/key pair from disk.
func NewStaticProvider(certFile, keyFile string) (*StaticProvider, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("certprovider: load key pair: %w", err)
	}
	return &StaticProvider{cert: cert}, nil
}

// NewStaticProviderFromCert wraps an already-loaded certificate.
func NewStaticProviderFromCert(cert tls.Certificate) *StaticProvider {
	return &StaticProvider{cert: cert}
}

// GetCertificate implements Provider.
func (p *StaticProvider) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return &p.cert, nil
}
