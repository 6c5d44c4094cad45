package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/hashicorp/yamux"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/proxy"
)

// handleHTTPStream serves the Http (§4.7) and Https (§4.8) ingresses: the
// relay opens with an HttpRequest head, streams the body as DataChunk
// frames terminated by DataEnd, and expects an HttpResponse head back
// followed by the same DataChunk/DataEnd body framing — or, on a 101
// Switching Protocols reply, a handoff to raw byte proxying, mirroring
// what the relay's own ingress does on its side of the same stream.
func (c *Client) handleHTTPStream(stream *yamux.Stream) error {
	reader := protocol.NewReader(stream)
	msg, err := reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("client: read HttpRequest: %w", err)
	}
	head, ok := msg.(protocol.HttpRequest)
	if !ok {
		return fmt.Errorf("client: expected HttpRequest, got %T", msg)
	}

	body := &frameBodyReader{reader: reader}
	if head.BodyMode.Kind == protocol.BodyNone {
		body.done = true
	}

	req, err := http.NewRequest(head.Method, "http://"+c.localAddr+head.URI, body)
	if err != nil {
		return fmt.Errorf("client: build local request: %w", err)
	}
	applyHeaderFields(req.Header, head.Headers)
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	if head.BodyMode.Kind == protocol.BodyFixed {
		req.ContentLength = int64(head.BodyMode.Len)
	} else if head.BodyMode.Kind == protocol.BodyNone {
		req.ContentLength = 0
	}

	isUpgrade := isUpgradeRequest(req)

	conn, err := net.Dial("tcp", c.localAddr)
	if err != nil {
		return fmt.Errorf("client: dial local service: %w", err)
	}
	defer conn.Close()

	if err := req.Write(conn); err != nil {
		return fmt.Errorf("client: write request to local service: %w", err)
	}

	localReader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(localReader, req)
	if err != nil {
		return fmt.Errorf("client: read local response: %w", err)
	}
	defer resp.Body.Close()

	respBodyMode := responseBodyMode(resp)
	if err := protocol.WriteFrame(stream, protocol.HttpResponse{
		Status:   uint16(resp.StatusCode),
		Headers:  headerFieldsFromHTTP(resp.Header),
		BodyMode: respBodyMode,
	}); err != nil {
		return fmt.Errorf("client: send HttpResponse: %w", err)
	}

	if resp.StatusCode == 101 && isUpgrade {
		if n := localReader.Buffered(); n > 0 {
			buffered := make([]byte, n)
			if _, err := io.ReadFull(localReader, buffered); err != nil {
				return err
			}
			if _, err := stream.Write(buffered); err != nil {
				return err
			}
		}
		return proxy.Bidirectional(conn, stream)
	}

	return streamFrameBody(resp.Body, stream)
}

// frameBodyReader adapts the relay's DataChunk/DataEnd framing into an
// io.Reader suitable for http.Request.Body.
type frameBodyReader struct {
	reader *protocol.Reader
	buf    []byte
	done   bool
}

func (f *frameBodyReader) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		if f.done {
			return 0, io.EOF
		}
		msg, err := f.reader.ReadFrame()
		if err != nil {
			return 0, err
		}
		switch v := msg.(type) {
		case protocol.DataChunk:
			f.buf = v.Bytes
		case protocol.DataEnd:
			f.done = true
			if v.Error != "" {
				return 0, fmt.Errorf("client: upstream body error: %s", v.Error)
			}
		default:
			return 0, fmt.Errorf("client: unexpected message %T mid-body", msg)
		}
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *frameBodyReader) Close() error { return nil }

// streamFrameBody relays a local HTTP response body to the relay as
// DataChunk frames terminated by DataEnd.
func streamFrameBody(body io.Reader, stream *yamux.Stream) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := protocol.WriteFrame(stream, protocol.DataChunk{Bytes: chunk}); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return protocol.WriteFrame(stream, protocol.DataEnd{})
			}
			protocol.WriteFrame(stream, protocol.DataEnd{Error: err.Error()})
			return err
		}
	}
}

func applyHeaderFields(h http.Header, fields []protocol.HeaderField) {
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
}

func headerFieldsFromHTTP(h http.Header) []protocol.HeaderField {
	var out []protocol.HeaderField
	for name, values := range h {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		for _, v := range values {
			out = append(out, protocol.HeaderField{Name: canon, Value: v})
		}
	}
	return out
}

func isUpgradeRequest(req *http.Request) bool {
	return strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade") && req.Header.Get("Upgrade") != ""
}

func responseBodyMode(resp *http.Response) protocol.BodyMode {
	if resp.ContentLength == 0 {
		return protocol.BodyMode{Kind: protocol.BodyNone}
	}
	if resp.ContentLength > 0 {
		return protocol.BodyMode{Kind: protocol.BodyFixed, Len: uint64(resp.ContentLength)}
	}
	if len(resp.TransferEncoding) > 0 {
		return protocol.BodyMode{Kind: protocol.BodyChunked}
	}
	return protocol.BodyMode{Kind: protocol.BodyStream}
}
