package httping

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaydio/relayd/internal/capture"
	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/registry"
	"github.com/relaydio/relayd/internal/router"
)

type fakeSession struct {
	id   string
	mine net.Conn
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) OpenStream() (registry.Stream, error) {
	return f.mine, nil
}

func TestBasicHTTPSubdomainExchange(t *testing.T) {
	reg := registry.New(registry.Config{})
	clientSide, relaySide := net.Pipe()
	sess := &fakeSession{id: "s1", mine: relaySide}

	if _, err := reg.Register("subj", protocol.ProtocolSpec{Kind: protocol.ProtocolHttp, Subdomain: "app"}, protocol.Identity{}, sess); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg, "localhost")
	store := capture.NewMemoryStore()

	l := &Listener{Addr: "127.0.0.1:0", Router: r, Capture: store}
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	// Simulate the local service: read HttpRequest+DataEnd, reply 200 "pong".
	go func() {
		reader := protocol.NewReader(clientSide)
		msg, err := reader.ReadFrame()
		if err != nil {
			return
		}
		req, ok := msg.(protocol.HttpRequest)
		if !ok || req.Method != "GET" || req.URI != "/ping" {
			t.Errorf("unexpected request: %#v", msg)
		}
		reader.ReadFrame() // DataEnd
		protocol.WriteFrame(clientSide, protocol.HttpResponse{
			Status:   200,
			Headers:  []protocol.HeaderField{{Name: "Content-Type", Value: "text/plain"}},
			BodyMode: protocol.BodyMode{Kind: protocol.BodyFixed, Len: 4},
		})
		protocol.WriteFrame(clientSide, protocol.DataChunk{Bytes: []byte("pong")})
		protocol.WriteFrame(clientSide, protocol.DataEnd{})
	}()

	conn, err := net.DialTimeout("tcp", l.ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest("GET", "http://app.localhost/ping", nil)
	req.Host = "app.localhost"
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if err := req.Write(conn); err != nil {
		t.Fatalf("req.Write: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "pong" {
		t.Errorf("body = %q, want %q", body, "pong")
	}

	time.Sleep(50 * time.Millisecond)
	list, _ := store.List(10, 0)
	if len(list) != 1 {
		t.Fatalf("expected 1 captured exchange, got %d", len(list))
	}
	if list[0].Method != "GET" || list[0].URI != "/ping" || list[0].ResponseStatus != 200 {
		t.Errorf("unexpected captured exchange: %+v", list[0])
	}
	if string(list[0].ResponseBody) != "pong" {
		t.Errorf("captured response body = %q", list[0].ResponseBody)
	}
}

func TestNoTunnelReturns502(t *testing.T) {
	reg := registry.New(registry.Config{})
	r := router.New(reg, "localhost")

	l := &Listener{Addr: "127.0.0.1:0", Router: r}
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	conn, err := net.DialTimeout("tcp", l.ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest("GET", "http://missing.localhost/ping", nil)
	req.Host = "missing.localhost"
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	req.Write(conn)

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 502 {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}
