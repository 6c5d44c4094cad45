// Package httpsing implements HTTPS termination (§4.8): a TLS listener in
// front of the HTTP ingress logic in internal/ingress/httping, selecting
// the serving certificate per inbound connection by SNI.
package httpsing

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"

	"github.com/relaydio/relayd/internal/capture"
	"github.com/relaydio/relayd/internal/certprovider"
	"github.com/relaydio/relayd/internal/ingress/httping"
	"github.com/relaydio/relayd/internal/router"
)

// Listener binds the HTTPS ingress port, terminates TLS using Certs, and
// delegates each cleartext connection to an embedded httping handler.
type Listener struct {
	Addr        string
	Router      *router.Router
	Capture     capture.Store
	BodyCap     int
	Certs       certprovider.Provider
	Logger      *slog.Logger
	// OnCapture, if set, is forwarded to the embedded httping.Listener.
	OnCapture func()

	tlsLn net.Listener
	inner *httping.Listener
}

// Listen binds the configured address and wraps it in a TLS listener using
// Certs for per-connection certificate selection and advertising h2 and
// http/1.1 over ALPN (§6).
func (l *Listener) Listen() error {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}

	cfg := &tls.Config{
		GetCertificate: l.Certs.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
	l.tlsLn = tls.NewListener(ln, cfg)

	l.inner = &httping.Listener{
		Router:    l.Router,
		Capture:   l.Capture,
		BodyCap:   l.BodyCap,
		Scheme:    "https",
		Logger:    l.Logger,
		OnCapture: l.OnCapture,
	}
	l.inner.Prepare()
	return nil
}

// Serve accepts TLS connections until the listener is closed. Unknown SNI
// or a failed handshake simply closes the socket (§7: "TLS... simply
// close").
func (l *Listener) Serve() error {
	for {
		conn, err := l.tlsLn.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go l.inner.ServeAcceptedConn(conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.tlsLn == nil {
		return nil
	}
	return l.tlsLn.Close()
}
