// Package httping implements the HTTP ingress listener (§4.7): parses
// HTTP/1.1 requests off the public socket, maps the Host header to a
// subdomain, opens a data stream on the matching session, and relays the
// exchange as HttpRequest/DataChunk/DataEnd/HttpResponse messages. Every
// exchange is handed to a capture sink when it completes.
package httping

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strings"
	"time"

	"github.com/relaydio/relayd/internal/capture"
	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/proxy"
	"github.com/relaydio/relayd/internal/registry"
	"github.com/relaydio/relayd/internal/router"
)

// maxHeaderBytes is the conservative parser's header size ceiling (§4.7.1).
const maxHeaderBytes = 64 << 10

var errHeaderTooLarge = errors.New("httping: request head exceeds 64KiB")

// hopByHop lists the headers stripped in both directions (§4.7.7), except
// Connection/Upgrade on a genuine protocol upgrade.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Listener binds the HTTP ingress port.
type Listener struct {
	Addr        string
	Router      *router.Router
	Capture     capture.Store
	BodyCap     int
	IdleTimeout time.Duration
	Scheme      string // "http" or "https", used for X-Forwarded-Proto
	Logger      *slog.Logger
	// OnCapture, if set, is called once per exchange handed to Capture.
	OnCapture func()

	ln net.Listener
}

// Prepare fills in defaults. Listen calls it automatically; a Listener
// embedded by another ingress (httpsing) that never calls Listen itself
// must call Prepare before ServeAcceptedConn.
func (l *Listener) Prepare() {
	l.init()
}

func (l *Listener) init() {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	if l.BodyCap <= 0 {
		l.BodyCap = capture.DefaultBodyCap
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = 60 * time.Second
	}
	if l.Scheme == "" {
		l.Scheme = "http"
	}
}

// Listen binds the configured address.
func (l *Listener) Listen() error {
	l.init()
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
		go l.serveConn(conn)
	}
}

// ServeAcceptedConn handles one already-accepted connection (used by
// httpsing, which terminates TLS itself before handing the cleartext
// conn here).
func (l *Listener) ServeAcceptedConn(conn net.Conn) {
	l.serveConn(conn)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// serveConn handles one public TCP connection, processing pipelined
// HTTP/1.1 requests in order until the connection closes or an upgrade
// takes over the socket.
func (l *Listener) serveConn(conn net.Conn) {
	defer conn.Close()

	// One buffered reader for the whole connection, so bytes of a pipelined
	// request that were read ahead with the previous one are not lost.
	limiter := &capLimitedReader{r: conn, limit: maxHeaderBytes}
	br := bufio.NewReader(limiter)
	for {
		req, err := readRequestHead(br, limiter)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				writeSimpleResponse(conn, 400, "bad request")
			}
			return
		}
		limiter.limiting = false

		upgraded, err := l.handleRequest(conn, req)
		if err != nil {
			l.Logger.Debug("httping: exchange failed", "err", err)
			return
		}
		if upgraded {
			return
		}
		if strings.EqualFold(req.Header.Get("Connection"), "close") {
			return
		}
	}
}

// capLimitedReader enforces maxHeaderBytes while limiting is true; once the
// request head is fully parsed the caller flips limiting off so the body
// (which may be arbitrarily large) streams unrestricted from the same
// underlying connection.
type capLimitedReader struct {
	r        io.Reader
	limit    int
	n        int
	limiting bool
}

func (c *capLimitedReader) Read(p []byte) (int, error) {
	if c.limiting {
		if c.n >= c.limit {
			return 0, errHeaderTooLarge
		}
		if c.n+len(p) > c.limit {
			p = p[:c.limit-c.n]
		}
	}
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// readRequestHead parses one HTTP/1.1 request off br after re-arming the
// header-size cap on limiter; the caller disables the cap once parsing
// succeeds (the same reader backs req.Body).
func readRequestHead(br *bufio.Reader, limiter *capLimitedReader) (*http.Request, error) {
	limiter.n, limiter.limiting = 0, true
	return http.ReadRequest(br)
}

func (l *Listener) handleRequest(conn net.Conn, req *http.Request) (upgraded bool, err error) {
	host := strings.ToLower(req.Host)
	sub := l.Router.ExtractSubdomain(host)

	sess, lookupErr := l.lookup(sub, host)
	if lookupErr != nil {
		writeSimpleResponse(conn, 502, fmt.Sprintf("no tunnel registered for %s", host))
		return false, nil
	}

	stream, err := sess.OpenStream()
	if err != nil {
		writeSimpleResponse(conn, 502, "tunnel unavailable")
		return false, nil
	}
	defer stream.Close()

	identity := protocol.Identity{Kind: protocol.IdentitySubdomain, Name: sub}
	if _, err := l.Router.LookupSubdomain(sub); sub == "" || err != nil {
		identity = protocol.Identity{Kind: protocol.IdentityCustomDomain, Name: hostWithoutPort(host)}
	}

	isUpgrade := isUpgradeRequest(req)

	headers := forwardHeaders(req.Header, isUpgrade)
	headers = append(headers,
		protocol.HeaderField{Name: "X-Forwarded-For", Value: remoteHost(conn)},
		protocol.HeaderField{Name: "X-Forwarded-Proto", Value: l.Scheme},
		protocol.HeaderField{Name: "X-Forwarded-Host", Value: host},
	)

	bodyMode := requestBodyMode(req)

	if err := protocol.WriteFrame(stream, protocol.HttpRequest{
		Method:   req.Method,
		URI:      req.RequestURI,
		Headers:  headers,
		BodyMode: bodyMode,
	}); err != nil {
		return false, err
	}

	reqBodyBuf := capture.NewBoundedBuffer(l.BodyCap)
	if bodyMode.Kind != protocol.BodyNone {
		setDeadline(conn, l.IdleTimeout)
		if err := streamBody(req.Body, stream, reqBodyBuf); err != nil {
			protocol.WriteFrame(stream, protocol.DataEnd{Error: err.Error()})
			return false, err
		}
	}
	if err := protocol.WriteFrame(stream, protocol.DataEnd{}); err != nil {
		return false, err
	}

	start := time.Now()
	reader := protocol.NewReader(stream)
	msg, err := reader.ReadFrame()
	if err != nil {
		return false, err
	}
	resp, ok := msg.(protocol.HttpResponse)
	if !ok {
		return false, fmt.Errorf("httping: expected HttpResponse, got %T", msg)
	}

	if resp.Status == 101 && isUpgrade {
		if err := writeResponseHead(conn, resp, true); err != nil {
			return false, err
		}
		l.recordExchange(identity, req, reqBodyBuf, resp, nil, start)
		if err := proxy.Bidirectional(conn, stream); err != nil {
			l.Logger.Debug("httping: upgraded proxy ended", "err", err)
		}
		return true, nil
	}

	if err := writeResponseHead(conn, resp, false); err != nil {
		return false, err
	}

	respBodyBuf := capture.NewBoundedBuffer(l.BodyCap)
	setDeadline(conn, l.IdleTimeout)
	if err := streamResponseBody(conn, reader, resp.BodyMode, respBodyBuf); err != nil {
		return false, err
	}

	l.recordExchange(identity, req, reqBodyBuf, resp, respBodyBuf, start)
	return false, nil
}

func (l *Listener) lookup(sub, host string) (registry.SessionHandle, error) {
	if sub != "" {
		if sess, err := l.Router.LookupSubdomain(sub); err == nil {
			return sess, nil
		}
	}
	return l.Router.LookupCustomDomain(hostWithoutPort(host))
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func remoteHost(conn net.Conn) string {
	h, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return h
}

func isUpgradeRequest(req *http.Request) bool {
	return strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade") && req.Header.Get("Upgrade") != ""
}

func forwardHeaders(h http.Header, isUpgrade bool) []protocol.HeaderField {
	var out []protocol.HeaderField
	for name, values := range h {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		if hopByHop[canon] && !(isUpgrade && (canon == "Connection" || canon == "Upgrade")) {
			continue
		}
		for _, v := range values {
			out = append(out, protocol.HeaderField{Name: canon, Value: v})
		}
	}
	return out
}

func requestBodyMode(req *http.Request) protocol.BodyMode {
	if req.ContentLength > 0 {
		return protocol.BodyMode{Kind: protocol.BodyFixed, Len: uint64(req.ContentLength)}
	}
	if req.ContentLength == 0 {
		return protocol.BodyMode{Kind: protocol.BodyNone}
	}
	if len(req.TransferEncoding) > 0 {
		return protocol.BodyMode{Kind: protocol.BodyChunked}
	}
	return protocol.BodyMode{Kind: protocol.BodyNone}
}

func streamBody(body io.Reader, stream io.Writer, capBuf *capture.BoundedBuffer) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			capBuf.Write(buf[:n])
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := protocol.WriteFrame(stream, protocol.DataChunk{Bytes: chunk}); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func streamResponseBody(conn net.Conn, reader *protocol.Reader, mode protocol.BodyMode, capBuf *capture.BoundedBuffer) error {
	if mode.Kind == protocol.BodyNone {
		return nil
	}
	var w io.WriteCloser
	if mode.Kind == protocol.BodyChunked || mode.Kind == protocol.BodyStream {
		w = httputil.NewChunkedWriter(conn)
	}
	for {
		msg, err := reader.ReadFrame()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case protocol.DataChunk:
			capBuf.Write(v.Bytes)
			if w != nil {
				if _, err := w.Write(v.Bytes); err != nil {
					return err
				}
			} else if _, err := conn.Write(v.Bytes); err != nil {
				return err
			}
		case protocol.DataEnd:
			if w != nil {
				return w.Close()
			}
			return nil
		default:
			return fmt.Errorf("httping: unexpected message %T mid-body", msg)
		}
	}
}

func writeResponseHead(conn net.Conn, resp protocol.HttpResponse, upgrade bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.Status, http.StatusText(int(resp.Status)))
	for _, h := range resp.Headers {
		canon := textproto.CanonicalMIMEHeaderKey(h.Name)
		if hopByHop[canon] && !(upgrade && (canon == "Connection" || canon == "Upgrade")) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if upgrade {
		b.WriteString("\r\n")
	} else {
		switch resp.BodyMode.Kind {
		case protocol.BodyFixed:
			fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", resp.BodyMode.Len)
		case protocol.BodyChunked, protocol.BodyStream:
			b.WriteString("Transfer-Encoding: chunked\r\n\r\n")
		default:
			b.WriteString("Content-Length: 0\r\n\r\n")
		}
	}
	_, err := conn.Write([]byte(b.String()))
	return err
}

func writeSimpleResponse(conn net.Conn, status int, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

func setDeadline(conn net.Conn, d time.Duration) {
	conn.SetDeadline(time.Now().Add(d))
}

func (l *Listener) recordExchange(identity protocol.Identity, req *http.Request, reqBody *capture.BoundedBuffer, resp protocol.HttpResponse, respBody *capture.BoundedBuffer, start time.Time) {
	if l.Capture == nil {
		return
	}
	ex := capture.CapturedExchange{
		Identity:        identity,
		Timestamp:       start,
		Method:          req.Method,
		URI:             req.RequestURI,
		RequestHeaders:  headerFieldsFromHTTP(req.Header),
		ResponseStatus:  int(resp.Status),
		ResponseHeaders: resp.Headers,
		DurationMS:      time.Since(start).Milliseconds(),
	}
	if reqBody != nil {
		ex.RequestBody = reqBody.Bytes()
		ex.RequestTrunc = reqBody.Truncated
	}
	if respBody != nil {
		ex.ResponseBody = respBody.Bytes()
		ex.ResponseTrunc = respBody.Truncated
	}
	l.Capture.Record(ex)
	if l.OnCapture != nil {
		l.OnCapture()
	}
}

func headerFieldsFromHTTP(h http.Header) []protocol.HeaderField {
	var out []protocol.HeaderField
	for name, values := range h {
		for _, v := range values {
			out = append(out, protocol.HeaderField{Name: name, Value: v})
		}
	}
	return out
}
