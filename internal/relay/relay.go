// Package relay wires together the registry, router, session layer, the
// four ingress listeners, capture, metrics, and certificate provisioning
// into one running relay process (§2, §6). It owns nothing the other
// packages don't already implement — it only constructs them from a
// relayconfig.Config and drives their lifecycles.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/relaydio/relayd/internal/auth"
	"github.com/relaydio/relayd/internal/capture"
	"github.com/relaydio/relayd/internal/certprovider"
	"github.com/relaydio/relayd/internal/ingress/httping"
	"github.com/relaydio/relayd/internal/ingress/httpsing"
	"github.com/relaydio/relayd/internal/ingress/snitls"
	"github.com/relaydio/relayd/internal/ingress/tcping"
	"github.com/relaydio/relayd/internal/metrics"
	"github.com/relaydio/relayd/internal/muxsession"
	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/registry"
	"github.com/relaydio/relayd/internal/relayconfig"
	"github.com/relaydio/relayd/internal/router"
)

// Relay is one running relayd instance: a control listener accepting
// tunnel clients plus the ingress listeners serving public traffic.
type Relay struct {
	cfg *relayconfig.Config

	registry *registry.Registry
	router   *router.Router
	auth     *auth.Authenticator
	capture  capture.Store
	metrics  *metrics.Metrics
	certs    certprovider.Provider

	controlLn net.Listener

	tcpMu        sync.Mutex
	tcpListeners map[uint16]*tcping.Listener
	sniLn        *snitls.Listener
	httpLn       *httping.Listener
	httpsLn      *httpsing.Listener
	metricsSrv   *http.Server
}

// New constructs a Relay from cfg. Tcp ingress ports are bound lazily: a
// relayd deployment advertises a fixed control/HTTP/HTTPS/TLS surface but
// Tcp tunnels claim one ephemeral port per session, so tcping.Listeners
// are created by the onRegistered session hook once a port is claimed
// rather than up front (see ensureTCPListener below).
func New(cfg *relayconfig.Config) (*Relay, error) {
	reg := registry.New(registry.Config{
		PortRangeStart: cfg.TCPPortRangeStart(),
		PortRangeEnd:   cfg.TCPPortRangeEnd(),
		ReservationTTL: cfg.ReservationTTL(),
	})

	var authenticator *auth.Authenticator
	if cfg.JWTSecret != "" {
		authenticator = auth.New([]byte(cfg.JWTSecret), nil)
	} else {
		authenticator = auth.New(nil, nil)
	}

	r := &Relay{
		cfg:          cfg,
		registry:     reg,
		router:       router.New(reg, cfg.Domain),
		auth:         authenticator,
		capture:      capture.NewMemoryStore(),
		metrics:      metrics.New(),
		tcpListeners: make(map[uint16]*tcping.Listener),
	}

	certs, err := r.buildCertProvider()
	if err != nil {
		return nil, err
	}
	r.certs = certs

	return r, nil
}

func (r *Relay) buildCertProvider() (certprovider.Provider, error) {
	if r.cfg.TLSCert != "" && r.cfg.TLSKey != "" {
		return certprovider.NewStaticProvider(r.cfg.TLSCert, r.cfg.TLSKey)
	}
	return certprovider.NewAutocertProvider(r.cfg.ACMEDir, r.hostPolicy), nil
}

// hostPolicy gates ACME issuance to hostnames backed by a live or
// reserved registry entry (§4.8).
func (r *Relay) hostPolicy(ctx context.Context, hostname string) error {
	sub := r.router.ExtractSubdomain(hostname)
	if sub != "" {
		if _, err := r.router.LookupSubdomain(sub); err == nil {
			return nil
		}
	}
	if _, err := r.router.LookupCustomDomain(hostname); err == nil {
		return nil
	}
	return fmt.Errorf("relay: no tunnel registered for %s", hostname)
}

// Run starts the control listener and every configured ingress, blocking
// until ctx is cancelled or a listener fails unrecoverably.
func (r *Relay) Run(ctx context.Context) error {
	var err error
	r.controlLn, err = net.Listen("tcp", r.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("relay: listen control %s: %w", r.cfg.ControlAddr, err)
	}
	log.Info("control listener started", "addr", r.controlLn.Addr())

	errCh := make(chan error, 8)

	go r.acceptControl(errCh)

	if r.cfg.HTTPAddr != "" {
		r.httpLn = &httping.Listener{
			Addr:      r.cfg.HTTPAddr,
			Router:    r.router,
			Capture:   r.capture,
			BodyCap:   r.cfg.BodyCaptureCapBytes,
			Scheme:    "http",
			OnCapture: r.metrics.CapturesRecorded.Inc,
		}
		if err := r.httpLn.Listen(); err != nil {
			return fmt.Errorf("relay: listen http %s: %w", r.cfg.HTTPAddr, err)
		}
		log.Info("http ingress started", "addr", r.cfg.HTTPAddr)
		go func() { errCh <- r.httpLn.Serve() }()
	}

	if r.cfg.HTTPSAddr != "" {
		r.httpsLn = &httpsing.Listener{
			Addr:      r.cfg.HTTPSAddr,
			Router:    r.router,
			Capture:   r.capture,
			BodyCap:   r.cfg.BodyCaptureCapBytes,
			Certs:     r.certs,
			OnCapture: r.metrics.CapturesRecorded.Inc,
		}
		if err := r.httpsLn.Listen(); err != nil {
			return fmt.Errorf("relay: listen https %s: %w", r.cfg.HTTPSAddr, err)
		}
		log.Info("https ingress started", "addr", r.cfg.HTTPSAddr)
		go func() { errCh <- r.httpsLn.Serve() }()
	}

	if r.cfg.TLSAddr != "" {
		sniLn, err := r.listenSNI()
		if err != nil {
			return err
		}
		r.sniLn = sniLn
		log.Info("tls-sni ingress started", "addr", r.cfg.TLSAddr)
		go func() { errCh <- r.sniLn.Serve() }()
	}

	if metricsSrv := r.maybeStartMetrics(); metricsSrv != nil {
		r.metricsSrv = metricsSrv
	}

	go r.sweepLoop(ctx)

	select {
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	case err := <-errCh:
		r.Close()
		return err
	}
}

// sweepLoop runs the registry's reservation sweep on a 1s ticker (§4.4)
// until ctx is cancelled.
func (r *Relay) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.registry.Sweep(now)
			r.updateRegistryGauge()
		}
	}
}

func (r *Relay) listenSNI() (*snitls.Listener, error) {
	ln := &snitls.Listener{Addr: r.cfg.TLSAddr, Router: r.router}
	if err := ln.Listen(); err != nil {
		return nil, fmt.Errorf("relay: listen tls-sni %s: %w", r.cfg.TLSAddr, err)
	}
	return ln, nil
}

// maybeStartMetrics binds a /metrics endpoint when configured. Absent a
// dedicated address, metrics stay registered but unscraped — callers that
// want them exposed alongside another mux can use r.Metrics().Handler().
func (r *Relay) maybeStartMetrics() *http.Server {
	if r.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: r.cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info("metrics endpoint started", "addr", r.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// Close tears down every listener. Safe to call more than once.
func (r *Relay) Close() {
	if r.controlLn != nil {
		r.controlLn.Close()
	}
	if r.httpLn != nil {
		r.httpLn.Close()
	}
	if r.httpsLn != nil {
		r.httpsLn.Close()
	}
	if r.sniLn != nil {
		r.sniLn.Close()
	}
	if r.metricsSrv != nil {
		r.metricsSrv.Close()
	}
	r.tcpMu.Lock()
	for _, ln := range r.tcpListeners {
		ln.Close()
	}
	r.tcpMu.Unlock()
}

func (r *Relay) acceptControl(errCh chan<- error) {
	for {
		conn, err := r.controlLn.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errCh <- fmt.Errorf("relay: accept control: %w", err)
			return
		}
		r.metrics.SessionsTotal.Inc()
		r.metrics.SessionsActive.Inc()
		go r.serveSession(conn)
	}
}

func (r *Relay) serveSession(conn net.Conn) {
	defer r.metrics.SessionsActive.Dec()
	muxsession.ServeRelay(conn, muxsession.RelayConfig{
		Authenticator:        r.auth,
		Registry:             r.registry,
		MaxStreamsPerSession: r.cfg.MaxStreamsPerSession,
		PublicURLs:           r.publicURLs,
		OnRegistered:         r.onRegistered,
		OnDetached:           r.onDetached,
		OnReject:             r.onReject,
		StreamHooks: muxsession.StreamHooks{
			OnOpen: func() {
				r.metrics.StreamsOpenTotal.Inc()
				r.metrics.StreamsActive.Inc()
			},
			OnClose: func() {
				r.metrics.StreamsActive.Dec()
			},
		},
	})
}

func (r *Relay) onReject(reason protocol.RejectReason) {
	r.metrics.SessionsRejected.WithLabelValues(reason.String()).Inc()
}

func (r *Relay) onDetached(entry *registry.Entry) {
	r.updateRegistryGauge()
}

// updateRegistryGauge recomputes registry_entries from a fresh snapshot,
// keyed by identity kind, after any registration or detach.
func (r *Relay) updateRegistryGauge() {
	counts := r.registry.CountsByKind()
	for kind, label := range identityKindLabels {
		r.metrics.RegistryEntries.WithLabelValues(label).Set(float64(counts[kind]))
	}
}

var identityKindLabels = map[protocol.IdentityKind]string{
	protocol.IdentityPort:         "port",
	protocol.IdentitySubdomain:    "subdomain",
	protocol.IdentitySniHost:      "sni_host",
	protocol.IdentityCustomDomain: "custom_domain",
}

// publicURLs renders the URL(s) advertised to a client once it registers,
// one per identity kind (§3 Connected.public_urls).
func (r *Relay) publicURLs(id protocol.Identity) []string {
	switch id.Kind {
	case protocol.IdentityPort:
		host := r.cfg.Domain
		if host == "" {
			host = "localhost"
		}
		return []string{fmt.Sprintf("tcp://%s:%d", host, id.Port)}
	case protocol.IdentitySubdomain:
		scheme := "http"
		if r.cfg.HTTPSAddr != "" {
			scheme = "https"
		}
		return []string{fmt.Sprintf("%s://%s.%s", scheme, id.Name, r.cfg.Domain)}
	case protocol.IdentitySniHost:
		return []string{fmt.Sprintf("https://%s", id.Name)}
	case protocol.IdentityCustomDomain:
		return []string{fmt.Sprintf("https://%s", id.Name)}
	default:
		return nil
	}
}

// onRegistered lazily binds the public port for a Tcp-protocol
// registration. Ports are allocated by the registry from tcp_port_range;
// the coordinator only needs to make sure a listener exists once a
// session claims one, and never tears it down on detach since a
// reconnecting client may reclaim the same port within the reservation
// TTL (§4.4).
func (r *Relay) onRegistered(entry *registry.Entry) error {
	r.updateRegistryGauge()
	if entry.Identity.Kind != protocol.IdentityPort {
		return nil
	}
	return r.ensureTCPListener(entry.Identity.Port)
}

func (r *Relay) ensureTCPListener(port uint16) error {
	r.tcpMu.Lock()
	defer r.tcpMu.Unlock()
	if _, ok := r.tcpListeners[port]; ok {
		return nil
	}
	ln := &tcping.Listener{Port: port, Router: r.router}
	if err := ln.Listen(""); err != nil {
		return fmt.Errorf("relay: listen tcp port %d: %w", port, err)
	}
	r.tcpListeners[port] = ln
	go ln.Serve()
	return nil
}

// Metrics exposes the relay's Prometheus registry for embedding in an
// external mux.
func (r *Relay) Metrics() *metrics.Metrics { return r.metrics }

// Certs exposes the provider serving TLS certificates to the HTTPS
// ingress.
func (r *Relay) Certs() certprovider.Provider { return r.certs }

// Capture exposes the exchange store HTTP(S) ingress records into, so an
// operator surface (CLI, admin API) can list or replay past exchanges.
func (r *Relay) Capture() capture.Store { return r.capture }

// Replay reissues a previously captured exchange against the tunnel's
// current session, per §4.10: the original exchange is looked up by its
// owning identity, not by session id, so a replay still lands on a
// reconnected client holding the same identity.
func (r *Relay) Replay(id string, ov capture.Overrides) (capture.CapturedExchange, error) {
	replayer := &capture.Replayer{
		Store:   r.capture,
		Lookup:  r.lookupByIdentity,
		BodyCap: r.cfg.BodyCaptureCapBytes,
	}
	ex, err := replayer.Replay(id, ov)
	if err == nil {
		r.metrics.ReplaysIssued.Inc()
	}
	return ex, err
}

func (r *Relay) lookupByIdentity(id protocol.Identity) (registry.SessionHandle, error) {
	switch id.Kind {
	case protocol.IdentityPort:
		return r.registry.LookupByPort(id.Port)
	case protocol.IdentitySniHost:
		return r.registry.LookupBySNIHost(id.Name)
	case protocol.IdentitySubdomain:
		return r.registry.LookupBySubdomain(id.Name)
	case protocol.IdentityCustomDomain:
		return r.registry.LookupByCustomDomain(id.Name)
	default:
		return nil, fmt.Errorf("relay: unknown identity kind %v", id.Kind)
	}
}
