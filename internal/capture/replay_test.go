package capture

import (
	"net"
	"testing"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/registry"
)

type pipeSession struct {
	mine  net.Conn
	other net.Conn
}

func newPipeSession() *pipeSession {
	a, b := net.Pipe()
	return &pipeSession{mine: a, other: b}
}

func (p *pipeSession) ID() string { return "pipe" }

func (p *pipeSession) OpenStream() (registry.Stream, error) {
	return p.mine, nil
}

func TestReplayCreatesNewExchangeAndPreservesOriginal(t *testing.T) {
	store := NewMemoryStore()
	identity := protocol.Identity{Kind: protocol.IdentitySubdomain, Name: "app"}

	original := CapturedExchange{
		Identity:       identity,
		Method:         "GET",
		URI:            "/ping",
		RequestHeaders: []protocol.HeaderField{{Name: "Host", Value: "app.localhost"}},
		ResponseStatus: 200,
		ResponseBody:   []byte("pong"),
	}
	store.Record(original)
	list, _ := store.List(1, 0)
	origID := list[0].ID

	sess := newPipeSession()
	lookup := func(id protocol.Identity) (registry.SessionHandle, error) {
		return sess, nil
	}

	replayer := &Replayer{Store: store, Lookup: lookup, BodyCap: DefaultBodyCap}

	// Run the "local service" side concurrently with Replay.
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		reader := protocol.NewReader(sess.other)
		msg, err := reader.ReadFrame()
		if err != nil {
			t.Errorf("service ReadFrame: %v", err)
			return
		}
		req, ok := msg.(protocol.HttpRequest)
		if !ok || req.Method != "GET" || req.URI != "/ping" {
			t.Errorf("unexpected request: %#v", msg)
		}
		if _, err := reader.ReadFrame(); err != nil { // DataEnd
			t.Errorf("service ReadFrame DataEnd: %v", err)
		}
		protocol.WriteFrame(sess.other, protocol.HttpResponse{Status: 200, BodyMode: protocol.BodyMode{Kind: protocol.BodyFixed, Len: 4}})
		protocol.WriteFrame(sess.other, protocol.DataChunk{Bytes: []byte("pong")})
		protocol.WriteFrame(sess.other, protocol.DataEnd{})
	}()

	replayed, err := replayer.Replay(origID, Overrides{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	<-serviceDone

	if replayed.ReplayOf != origID {
		t.Errorf("ReplayOf = %q, want %q", replayed.ReplayOf, origID)
	}
	if replayed.ID == origID {
		t.Error("replay must create a new exchange id")
	}
	if string(replayed.ResponseBody) != "pong" {
		t.Errorf("ResponseBody = %q", replayed.ResponseBody)
	}

	// Original exchange must be byte-for-byte unchanged.
	again, err := store.Fetch(origID)
	if err != nil {
		t.Fatalf("Fetch original: %v", err)
	}
	if again.Method != "GET" || again.URI != "/ping" || string(again.ResponseBody) != "pong" {
		t.Errorf("original exchange mutated: %+v", again)
	}
}
