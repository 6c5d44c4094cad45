// Package tcping implements the TCP ingress listener (§4.5): one
// connection, one data stream, a raw bidirectional byte pump. It is the
// simplest of the four ingresses and shares its copy loop with every
// other one via internal/proxy.
package tcping

import (
	"errors"
	"log/slog"
	"net"
	"strconv"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/proxy"
	"github.com/relaydio/relayd/internal/router"
)

// Listener binds a single TCP port and proxies every accepted connection
// into the session registered for that port.
type Listener struct {
	Port   uint16
	Router *router.Router
	Logger *slog.Logger

	ln net.Listener
}

// Listen binds the listener's port. addr is the bind address (e.g. "" for
// all interfaces); the port comes from l.Port.
func (l *Listener) Listen(addr string) error {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(l.Port))))
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Serve accepts connections until the listener is closed.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go l.handle(conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	sess, err := l.Router.LookupTCP(l.Port)
	if err != nil {
		if !errors.Is(err, router.ErrNoTunnel) {
			l.Logger.Warn("tcping: lookup failed", "port", l.Port, "err", err)
		}
		return
	}

	stream, err := sess.OpenStream()
	if err != nil {
		l.Logger.Warn("tcping: open stream failed", "port", l.Port, "err", err)
		return
	}

	if err := protocol.WriteFrame(stream, protocol.TcpOpen{RemoteAddr: conn.RemoteAddr().String()}); err != nil {
		l.Logger.Warn("tcping: send TcpOpen failed", "port", l.Port, "err", err)
		stream.Close()
		return
	}

	if err := proxy.Bidirectional(conn, stream); err != nil {
		l.Logger.Debug("tcping: proxy ended", "port", l.Port, "err", err)
	}
}
