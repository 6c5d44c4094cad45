package muxsession

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/relaydio/relayd/internal/auth"
	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/protocolversion"
	"github.com/relaydio/relayd/internal/registry"
)

func dialPair(t *testing.T) (relayConn, clientConn net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func newTestRegistry() *registry.Registry {
	return registry.New(registry.Config{PortRangeStart: 10000, PortRangeEnd: 10010, ReservationTTL: time.Minute})
}

func TestServeRelaySuccessfulRegistration(t *testing.T) {
	relayConn, clientConn := dialPair(t)
	reg := newTestRegistry()

	done := make(chan struct{})
	go func() {
		ServeRelay(relayConn, RelayConfig{
			Registry:           reg,
			AwaitConnectTimeout: time.Second,
			KeepaliveInterval:  50 * time.Millisecond,
			PublicURLs: func(id protocol.Identity) []string {
				return []string{"https://" + id.Name + ".example.com"}
			},
		})
		close(done)
	}()

	ymx, err := yamux.Client(clientConn, nil)
	if err != nil {
		t.Fatalf("yamux.Client: %v", err)
	}
	defer ymx.Close()

	ctrl, err := ymx.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	if err := protocol.WriteFrame(ctrl, protocol.Connect{
		ProtocolVersion: protocolversion.Current,
		Protocol:        protocol.ProtocolSpec{Kind: protocol.ProtocolHttp, Subdomain: "app"},
	}); err != nil {
		t.Fatalf("WriteFrame Connect: %v", err)
	}

	reader := protocol.NewReader(ctrl)
	msg, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	connected, ok := msg.(protocol.Connected)
	if !ok {
		t.Fatalf("expected Connected, got %#v", msg)
	}
	if connected.AssignedIdentity.Name != "app" {
		t.Errorf("assigned identity = %q, want app", connected.AssignedIdentity.Name)
	}

	ymx.Close()
	<-done
}

func TestServeRelayVersionMismatch(t *testing.T) {
	relayConn, clientConn := dialPair(t)
	reg := newTestRegistry()

	done := make(chan struct{})
	go func() {
		ServeRelay(relayConn, RelayConfig{Registry: reg, AwaitConnectTimeout: time.Second})
		close(done)
	}()

	ymx, _ := yamux.Client(clientConn, nil)
	defer ymx.Close()
	ctrl, _ := ymx.OpenStream()

	protocol.WriteFrame(ctrl, protocol.Connect{
		ProtocolVersion: protocolversion.Current + 1,
		Protocol:        protocol.ProtocolSpec{Kind: protocol.ProtocolHttp, Subdomain: "app"},
	})

	reader := protocol.NewReader(ctrl)
	msg, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	rej, ok := msg.(protocol.Rejected)
	if !ok || rej.Reason != protocol.ReasonVersionMismatch {
		t.Fatalf("expected Rejected{VersionMismatch}, got %#v", msg)
	}
	<-done
}

func TestServeRelayAuthFailure(t *testing.T) {
	relayConn, clientConn := dialPair(t)
	reg := newTestRegistry()
	authenticator := auth.New([]byte("secret"), nil)

	done := make(chan struct{})
	go func() {
		ServeRelay(relayConn, RelayConfig{Registry: reg, Authenticator: authenticator, AwaitConnectTimeout: time.Second})
		close(done)
	}()

	ymx, _ := yamux.Client(clientConn, nil)
	defer ymx.Close()
	ctrl, _ := ymx.OpenStream()

	protocol.WriteFrame(ctrl, protocol.Connect{
		ProtocolVersion: protocolversion.Current,
		Token:           "not-a-jwt",
		Protocol:        protocol.ProtocolSpec{Kind: protocol.ProtocolHttp, Subdomain: "app"},
	})

	reader := protocol.NewReader(ctrl)
	msg, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	rej, ok := msg.(protocol.Rejected)
	if !ok || rej.Reason != protocol.ReasonAuthFailed {
		t.Fatalf("expected Rejected{AuthFailed}, got %#v", msg)
	}
	<-done
}

func TestServeRelayKeepaliveTimeoutDrains(t *testing.T) {
	relayConn, clientConn := dialPair(t)
	reg := newTestRegistry()

	done := make(chan struct{})
	var urlErr error
	go func() {
		ServeRelay(relayConn, RelayConfig{
			Registry:           reg,
			AwaitConnectTimeout: time.Second,
			KeepaliveInterval:  10 * time.Millisecond,
			KeepaliveMissLimit: 2,
		})
		close(done)
	}()

	ymx, _ := yamux.Client(clientConn, nil)
	ctrl, _ := ymx.OpenStream()

	if err := protocol.WriteFrame(ctrl, protocol.Connect{
		ProtocolVersion: protocolversion.Current,
		Protocol:        protocol.ProtocolSpec{Kind: protocol.ProtocolHttp, Subdomain: "silent"},
	}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	reader := protocol.NewReader(ctrl)
	if _, err := reader.ReadFrame(); err != nil { // Connected
		t.Fatalf("ReadFrame Connected: %v", err)
	}

	// Never answer pings; ServeRelay should drain and return on its own.
	select {
	case <-done:
		urlErr = nil
	case <-time.After(2 * time.Second):
		urlErr = errDeadline
	}
	if urlErr != nil {
		t.Fatal("ServeRelay did not drain after missed keepalives")
	}
	ymx.Close()
}

var errDeadline = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "deadline exceeded waiting for drain" }
