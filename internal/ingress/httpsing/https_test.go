package httpsing

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaydio/relayd/internal/certprovider"
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

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "app.localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"app.localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestHTTPSIngressTerminatesAndProxies(t *testing.T) {
	reg := registry.New(registry.Config{})
	clientSide, relaySide := net.Pipe()
	sess := &fakeSession{id: "s1", mine: relaySide}

	if _, err := reg.Register("subj", protocol.ProtocolSpec{Kind: protocol.ProtocolHttps, Subdomain: "app"}, protocol.Identity{}, sess); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := router.New(reg, "localhost")

	cert := selfSignedCert(t)
	provider := certprovider.NewStaticProviderFromCert(cert)

	l := &Listener{Addr: "127.0.0.1:0", Router: r, Certs: provider}
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	go func() {
		reader := protocol.NewReader(clientSide)
		msg, err := reader.ReadFrame()
		if err != nil {
			return
		}
		if _, ok := msg.(protocol.HttpRequest); !ok {
			t.Errorf("unexpected message %#v", msg)
		}
		reader.ReadFrame() // DataEnd
		protocol.WriteFrame(clientSide, protocol.HttpResponse{Status: 200, BodyMode: protocol.BodyMode{Kind: protocol.BodyFixed, Len: 2}})
		protocol.WriteFrame(clientSide, protocol.DataChunk{Bytes: []byte("ok")})
		protocol.WriteFrame(clientSide, protocol.DataEnd{})
	}()

	addr := l.tlsLn.Addr().String()
	tlsConn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, ServerName: "app.localhost"})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer tlsConn.Close()

	req, _ := http.NewRequest("GET", "https://app.localhost/x", nil)
	req.Host = "app.localhost"
	tlsConn.SetDeadline(time.Now().Add(2 * time.Second))
	req.Write(tlsConn)

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), req)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Errorf("got status=%d body=%q", resp.StatusCode, body)
	}
}
