package tcping

import (
	"io"
	"net"
	"testing"
	"time"

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

func TestListenerProxiesAcceptedConnections(t *testing.T) {
	reg := registry.New(registry.Config{PortRangeStart: 20000, PortRangeEnd: 20010})

	clientSide, relaySide := net.Pipe()
	sess := &fakeSession{id: "s1", mine: relaySide}

	entry, err := reg.Register("subj", protocol.ProtocolSpec{Kind: protocol.ProtocolTcp, PreferredPort: 20000}, protocol.Identity{}, sess)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg, "")

	l := &Listener{Port: entry.Identity.Port, Router: r}
	if err := l.Listen("127.0.0.1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	// Drain the TcpOpen control message the ingress sends on the stream
	// before treating it as a raw pipe.
	go func() {
		reader := protocol.NewReader(clientSide)
		msg, err := reader.ReadFrame()
		if err != nil {
			return
		}
		if _, ok := msg.(protocol.TcpOpen); !ok {
			t.Errorf("expected TcpOpen, got %T", msg)
		}
		buf := make([]byte, 5)
		n, _ := io.ReadFull(clientSide, buf)
		if string(buf[:n]) != "hello" {
			t.Errorf("got %q, want %q", buf[:n], "hello")
		}
		clientSide.Write([]byte("world"))
	}()

	addr := l.ln.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(conn, buf)
	if err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Errorf("got %q, want %q", buf[:n], "world")
	}
}

func TestListenerNoTunnelClosesConnection(t *testing.T) {
	reg := registry.New(registry.Config{PortRangeStart: 21000, PortRangeEnd: 21010})
	r := router.New(reg, "")

	l := &Listener{Port: 21000, Router: r}
	if err := l.Listen("127.0.0.1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	conn, err := net.DialTimeout("tcp", l.ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF from closed connection, got %v", err)
	}
}
