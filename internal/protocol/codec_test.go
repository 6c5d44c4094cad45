package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := NewReader(&buf).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return got
}

func TestRoundTripAllVariants(t *testing.T) {
	cases := []Message{
		Connect{
			ProtocolVersion: 3,
			Token:           "tok",
			Protocol:        ProtocolSpec{Kind: ProtocolHttp, Subdomain: "app"},
			HasDesired:      true,
			DesiredIdentity: Identity{Kind: IdentitySubdomain, Name: "app"},
		},
		Connected{
			AssignedIdentity: Identity{Kind: IdentityPort, Port: 10000},
			PublicURLs:       []string{"tcp://relay:10000"},
		},
		Rejected{Reason: ReasonConflict},
		Ping{Nonce: 42},
		Pong{Nonce: 42},
		TcpOpen{RemoteAddr: "1.2.3.4:5555"},
		HttpRequest{
			Method:   "GET",
			URI:      "/ping",
			Headers:  []HeaderField{{Name: "Host", Value: "app.localhost"}},
			BodyMode: BodyMode{Kind: BodyNone},
		},
		DataChunk{Bytes: []byte("hello")},
		DataEnd{},
		DataEnd{Error: "cancelled"},
		HttpResponse{
			Status:   200,
			Headers:  []HeaderField{{Name: "Content-Length", Value: "4"}},
			BodyMode: BodyMode{Kind: BodyFixed, Len: 4},
		},
	}

	for _, want := range cases {
		got := roundTrip(t, want)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip mismatch:\n got:  %#v\n want: %#v", got, want)
		}
	}
}

func TestOversizeFrameIsFatalAndSticky(t *testing.T) {
	var buf bytes.Buffer
	var header [frameHeaderSize]byte
	header[0] = 0xFF // length = 0xFF000000, well over MaxPayloadSize
	buf.Write(header[:])

	r := NewReader(&buf)
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}

	// The reader must not be restartable after an oversize frame.
	_, err = r.ReadFrame()
	if err == nil {
		t.Fatal("expected reader to remain broken after oversize frame")
	}
}

func TestShortReadIsReported(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 5, 0, 0, 0, 0, 'h', 'i'}) // declares 5 bytes, supplies 2
	_, err := NewReader(buf).ReadFrame()
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestUnknownVariantIsFatal(t *testing.T) {
	_, err := DecodePayload([]byte{0xEE})
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestMalformedPayload(t *testing.T) {
	// A Ping tag with no nonce bytes following.
	_, err := DecodePayload([]byte{byte(TagPing)})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestEncodeOversizePayloadRejected(t *testing.T) {
	_, err := EncodePayload(DataChunk{Bytes: make([]byte, MaxPayloadSize+1)})
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}
