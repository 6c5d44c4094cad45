// Package snitls implements the TLS-SNI passthrough ingress (§4.6): the
// relay peeks just enough of the TLS ClientHello to read the SNI
// extension, looks up the session registered for that hostname, and then
// proxies the connection byte-for-byte without ever completing the TLS
// handshake itself. The certificate lives on the local service; the relay
// never sees plaintext.
package snitls

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/proxy"
	"github.com/relaydio/relayd/internal/router"
)

// maxClientHello bounds how much of a fragmented ClientHello this ingress
// will buffer before giving up (§4.6).
const maxClientHello = 64 << 10

// ErrNoSNI is returned when a ClientHello carries no (usable) server name.
var ErrNoSNI = errors.New("snitls: no sni in client hello")

// Listener binds the TLS-SNI passthrough port.
type Listener struct {
	Addr   string
	Router *router.Router
	Logger *slog.Logger

	ln net.Listener
}

// Listen binds the configured address.
func (l *Listener) Listen() error {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	ln, err := net.Listen("tcp", l.Addr)
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

	peeked, hostname, err := peekSNI(conn)
	if err != nil {
		l.Logger.Debug("snitls: no usable sni, closing", "err", err)
		return
	}

	sess, err := l.Router.LookupSNI(hostname)
	if err != nil {
		if !errors.Is(err, router.ErrNoTunnel) {
			l.Logger.Warn("snitls: lookup failed", "host", hostname, "err", err)
		}
		return
	}

	stream, err := sess.OpenStream()
	if err != nil {
		l.Logger.Warn("snitls: open stream failed", "host", hostname, "err", err)
		return
	}

	if err := protocol.WriteFrame(stream, protocol.TcpOpen{RemoteAddr: conn.RemoteAddr().String()}); err != nil {
		stream.Close()
		return
	}
	// Replay the exact bytes we peeked before doing anything else — the
	// local service must see the unmodified ClientHello (§8 "TLS-SNI
	// transparency").
	if err := protocol.WriteFrame(stream, protocol.DataChunk{Bytes: peeked}); err != nil {
		stream.Close()
		return
	}

	if err := proxy.Bidirectional(conn, stream); err != nil {
		l.Logger.Debug("snitls: proxy ended", "host", hostname, "err", err)
	}
}

// peekSNI reads just enough of conn to extract the SNI hostname from a TLS
// ClientHello, returning the exact bytes consumed so the caller can replay
// them unmodified. It handles a ClientHello fragmented across multiple TCP
// segments up to maxClientHello total. Only the first TLS record is parsed:
// a ClientHello split across several TLS records is never recognised, and
// reading stops with an error once maxClientHello is exceeded.
func peekSNI(conn net.Conn) (peeked []byte, hostname string, err error) {
	var buf bytes.Buffer
	tmp := make([]byte, 4096)

	for {
		if buf.Len() > maxClientHello {
			return buf.Bytes(), "", fmt.Errorf("snitls: client hello exceeds %d bytes", maxClientHello)
		}
		host, ok, perr := tryParseSNI(buf.Bytes())
		if perr != nil {
			return buf.Bytes(), "", perr
		}
		if ok {
			if host == "" {
				return buf.Bytes(), "", ErrNoSNI
			}
			return buf.Bytes(), host, nil
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if rerr != nil {
			return buf.Bytes(), "", rerr
		}
	}
}

// tryParseSNI attempts to extract the server_name extension from a (possibly
// incomplete) buffer holding the start of a TLS record stream. ok is false
// when more bytes are needed; err is non-nil only for data that is
// definitively malformed, not merely incomplete.
func tryParseSNI(b []byte) (hostname string, ok bool, err error) {
	// TLS record header: type(1) version(2) length(2).
	if len(b) < 5 {
		return "", false, nil
	}
	if b[0] != 0x16 { // handshake record
		return "", false, errors.New("snitls: not a TLS handshake record")
	}
	recLen := int(binary.BigEndian.Uint16(b[3:5]))
	if len(b) < 5+recLen {
		return "", false, nil // record not fully buffered yet
	}
	record := b[5 : 5+recLen]

	// Handshake header: type(1) length(3).
	if len(record) < 4 {
		return "", false, nil
	}
	if record[0] != 0x01 { // ClientHello
		return "", false, errors.New("snitls: not a ClientHello")
	}
	hsLen := int(record[1])<<16 | int(record[2])<<8 | int(record[3])
	if len(record) < 4+hsLen {
		// Handshake message spans further records than we've buffered; a
		// conforming peer still sends it inside one TLS record in
		// practice, but defensively report "need more" rather than error.
		return "", false, nil
	}
	hello := record[4 : 4+hsLen]
	return parseClientHelloSNI(hello)
}

// parseClientHelloSNI walks a fully-buffered ClientHello body to find the
// server_name extension. Returns ok=true with hostname=="" for zero-length
// or non-host_name SNI entries, per §4.6's explicit edge cases.
func parseClientHelloSNI(hello []byte) (hostname string, ok bool, err error) {
	p := hello
	// legacy_version(2) random(32)
	if len(p) < 34 {
		return "", false, errors.New("snitls: truncated client hello")
	}
	p = p[34:]

	// session_id
	if len(p) < 1 {
		return "", false, errors.New("snitls: truncated client hello")
	}
	sidLen := int(p[0])
	p = p[1:]
	if len(p) < sidLen {
		return "", false, errors.New("snitls: truncated client hello")
	}
	p = p[sidLen:]

	// cipher_suites
	if len(p) < 2 {
		return "", false, errors.New("snitls: truncated client hello")
	}
	csLen := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	if len(p) < csLen {
		return "", false, errors.New("snitls: truncated client hello")
	}
	p = p[csLen:]

	// compression_methods
	if len(p) < 1 {
		return "", false, errors.New("snitls: truncated client hello")
	}
	cmLen := int(p[0])
	p = p[1:]
	if len(p) < cmLen {
		return "", false, errors.New("snitls: truncated client hello")
	}
	p = p[cmLen:]

	if len(p) == 0 {
		// No extensions block at all: no SNI.
		return "", true, nil
	}
	if len(p) < 2 {
		return "", false, errors.New("snitls: truncated client hello")
	}
	extTotal := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	if len(p) < extTotal {
		return "", false, errors.New("snitls: truncated client hello")
	}
	p = p[:extTotal]

	const extServerName = 0x0000
	for len(p) >= 4 {
		extType := binary.BigEndian.Uint16(p)
		extLen := int(binary.BigEndian.Uint16(p[2:4]))
		p = p[4:]
		if len(p) < extLen {
			return "", false, errors.New("snitls: truncated extension")
		}
		extData := p[:extLen]
		p = p[extLen:]

		if extType != extServerName {
			continue
		}
		return parseServerNameExtension(extData)
	}
	return "", true, nil
}

func parseServerNameExtension(data []byte) (hostname string, ok bool, err error) {
	if len(data) < 2 {
		return "", true, nil // zero-length SNI list: treat as missing (§4.6)
	}
	listLen := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < listLen {
		return "", false, errors.New("snitls: truncated server name list")
	}
	data = data[:listLen]

	for len(data) >= 3 {
		nameType := data[0]
		nameLen := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if len(data) < nameLen {
			return "", false, errors.New("snitls: truncated server name entry")
		}
		name := data[:nameLen]
		data = data[nameLen:]

		const hostNameType = 0x00
		if nameType != hostNameType {
			continue // non-host_name types are ignored (§4.6)
		}
		return string(name), true, nil
	}
	return "", true, nil
}
