package relay

import (
	"testing"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/registry"
	"github.com/relaydio/relayd/internal/relayconfig"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	cfg := &relayconfig.Config{
		ControlAddr: "127.0.0.1:0",
		Domain:      "tunnel.example.com",
		ACMEDir:     t.TempDir(),
	}
	cfg.Defaults()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestPublicURLsPerIdentityKind(t *testing.T) {
	r := newTestRelay(t)
	r.cfg.HTTPSAddr = ":443"

	cases := []struct {
		id   protocol.Identity
		want string
	}{
		{protocol.Identity{Kind: protocol.IdentityPort, Port: 21000}, "tcp://tunnel.example.com:21000"},
		{protocol.Identity{Kind: protocol.IdentitySubdomain, Name: "app"}, "https://app.tunnel.example.com"},
		{protocol.Identity{Kind: protocol.IdentitySniHost, Name: "db.tunnel.example.com"}, "https://db.tunnel.example.com"},
		{protocol.Identity{Kind: protocol.IdentityCustomDomain, Name: "custom.example.net"}, "https://custom.example.net"},
	}
	for _, tt := range cases {
		got := r.publicURLs(tt.id)
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("publicURLs(%v) = %v, want [%q]", tt.id, got, tt.want)
		}
	}
}

func TestPublicURLsHTTPWithoutHTTPS(t *testing.T) {
	r := newTestRelay(t)
	got := r.publicURLs(protocol.Identity{Kind: protocol.IdentitySubdomain, Name: "app"})
	if len(got) != 1 || got[0] != "http://app.tunnel.example.com" {
		t.Errorf("publicURLs = %v, want http scheme when HTTPSAddr unset", got)
	}
}

func TestHostPolicyRejectsUnknownHost(t *testing.T) {
	r := newTestRelay(t)
	if err := r.hostPolicy(nil, "unregistered.tunnel.example.com"); err == nil {
		t.Error("hostPolicy should reject a hostname with no tunnel registered")
	}
}

func TestHostPolicyAllowsRegisteredSubdomain(t *testing.T) {
	r := newTestRelay(t)
	fake := &fakeSession{id: "s1"}
	if _, err := r.registry.Register("user", protocol.ProtocolSpec{Kind: protocol.ProtocolHttp, Subdomain: "app"}, protocol.Identity{}, fake); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.hostPolicy(nil, "app.tunnel.example.com"); err != nil {
		t.Errorf("hostPolicy rejected a registered subdomain: %v", err)
	}
}

func TestEnsureTCPListenerIsIdempotent(t *testing.T) {
	r := newTestRelay(t)
	defer r.Close()

	if err := r.ensureTCPListener(0); err != nil {
		t.Fatalf("ensureTCPListener: %v", err)
	}
	if err := r.ensureTCPListener(0); err != nil {
		t.Fatalf("ensureTCPListener (second call): %v", err)
	}
	if len(r.tcpListeners) != 1 {
		t.Errorf("tcpListeners has %d entries, want 1", len(r.tcpListeners))
	}
}

// fakeSession is a minimal registry.SessionHandle for tests that only
// exercise registration/lookup bookkeeping, never actual stream I/O.
type fakeSession struct{ id string }

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) OpenStream() (registry.Stream, error) {
	return nil, nil
}
