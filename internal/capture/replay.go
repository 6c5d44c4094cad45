package capture

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/registry"
)

// Overrides lets a replay caller change the method, URI, headers, or body
// of the request being reissued; zero values mean "use the original".
type Overrides struct {
	Method  string
	URI     string
	Headers []protocol.HeaderField
	Body    []byte
}

// SessionLookup resolves the tunnel identity a captured exchange belongs
// to back to its (possibly reconnected) live session.
type SessionLookup func(identity protocol.Identity) (registry.SessionHandle, error)

// Replayer implements the replay operation (§4.10): take a captured
// exchange id plus optional overrides, issue a new request to the local
// service of the owning tunnel, and record the result as a new exchange
// referencing the original via ReplayOf. The source exchange is never
// mutated.
type Replayer struct {
	Store   Store
	Lookup  SessionLookup
	BodyCap int
}

// Replay reissues the captured exchange id with ov applied and returns the
// newly recorded exchange.
func (rp *Replayer) Replay(id string, ov Overrides) (CapturedExchange, error) {
	original, err := rp.Store.Fetch(id)
	if err != nil {
		return CapturedExchange{}, err
	}

	sess, err := rp.Lookup(original.Identity)
	if err != nil {
		return CapturedExchange{}, fmt.Errorf("capture: replay lookup: %w", err)
	}

	method := original.Method
	if ov.Method != "" {
		method = ov.Method
	}
	uri := original.URI
	if ov.URI != "" {
		uri = ov.URI
	}
	headers := original.RequestHeaders
	if ov.Headers != nil {
		headers = ov.Headers
	}
	body := original.RequestBody
	if ov.Body != nil {
		body = ov.Body
	}

	stream, err := sess.OpenStream()
	if err != nil {
		return CapturedExchange{}, err
	}
	defer stream.Close()

	start := time.Now()

	bodyMode := protocol.BodyMode{Kind: protocol.BodyNone}
	if len(body) > 0 {
		bodyMode = protocol.BodyMode{Kind: protocol.BodyFixed, Len: uint64(len(body))}
	}
	if err := protocol.WriteFrame(stream, protocol.HttpRequest{Method: method, URI: uri, Headers: headers, BodyMode: bodyMode}); err != nil {
		return CapturedExchange{}, err
	}
	if len(body) > 0 {
		if err := protocol.WriteFrame(stream, protocol.DataChunk{Bytes: body}); err != nil {
			return CapturedExchange{}, err
		}
	}
	if err := protocol.WriteFrame(stream, protocol.DataEnd{}); err != nil {
		return CapturedExchange{}, err
	}

	reader := protocol.NewReader(stream)
	msg, err := reader.ReadFrame()
	if err != nil {
		return CapturedExchange{}, err
	}
	resp, ok := msg.(protocol.HttpResponse)
	if !ok {
		return CapturedExchange{}, fmt.Errorf("capture: expected HttpResponse, got %T", msg)
	}

	respBuf := NewBoundedBuffer(rp.BodyCap)
readLoop:
	for {
		m, err := reader.ReadFrame()
		if err != nil {
			return CapturedExchange{}, err
		}
		switch v := m.(type) {
		case protocol.DataChunk:
			respBuf.Write(v.Bytes)
		case protocol.DataEnd:
			break readLoop
		}
	}

	ex := CapturedExchange{
		ID:              uuid.NewString(),
		Identity:        original.Identity,
		Timestamp:       start,
		Method:          method,
		URI:             uri,
		RequestHeaders:  headers,
		RequestBody:     body,
		ResponseStatus:  int(resp.Status),
		ResponseHeaders: resp.Headers,
		ResponseBody:    respBuf.Bytes(),
		ResponseTrunc:   respBuf.Truncated,
		DurationMS:      time.Since(start).Milliseconds(),
		ReplayOf:        id,
	}
	if err := rp.Store.Record(ex); err != nil {
		return CapturedExchange{}, err
	}
	return ex, nil
}
