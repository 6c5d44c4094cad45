package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayloadSize is the largest payload a frame may carry (§3, §4.1).
const MaxPayloadSize = 16 << 20

// EncodePayload serializes a Message into its tagged-variant wire
// representation: a one-byte tag followed by fixed-size little-endian
// integers and length-prefixed byte slices/strings, in that field order.
// This is the payload a Frame carries — it does not include the frame
// header.
func EncodePayload(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.tag()))

	switch m := msg.(type) {
	case Connect:
		writeUint16(&buf, m.ProtocolVersion)
		writeString(&buf, m.Token)
		writeProtocolSpec(&buf, m.Protocol)
		buf.WriteByte(boolByte(m.HasDesired))
		writeIdentity(&buf, m.DesiredIdentity)
	case Connected:
		writeIdentity(&buf, m.AssignedIdentity)
		writeUint32(&buf, uint32(len(m.PublicURLs)))
		for _, u := range m.PublicURLs {
			writeString(&buf, u)
		}
	case Rejected:
		buf.WriteByte(byte(m.Reason))
	case Ping:
		writeUint64(&buf, m.Nonce)
	case Pong:
		writeUint64(&buf, m.Nonce)
	case TcpOpen:
		writeString(&buf, m.RemoteAddr)
	case HttpRequest:
		writeString(&buf, m.Method)
		writeString(&buf, m.URI)
		writeHeaders(&buf, m.Headers)
		writeBodyMode(&buf, m.BodyMode)
	case DataChunk:
		writeBytes(&buf, m.Bytes)
	case DataEnd:
		writeString(&buf, m.Error)
	case HttpResponse:
		writeUint16(&buf, m.Status)
		writeHeaders(&buf, m.Headers)
		writeBodyMode(&buf, m.BodyMode)
	default:
		return nil, fmt.Errorf("protocol: unsupported message type %T", msg)
	}

	if buf.Len() > MaxPayloadSize {
		return nil, ErrOversizeFrame
	}
	return buf.Bytes(), nil
}

// DecodePayload parses a frame payload back into a Message. The returned
// error is ErrUnknownVariant for an unrecognized tag, or wraps
// ErrMalformedPayload for any other structural failure.
func DecodePayload(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	r := bytes.NewReader(payload)
	tagByte, _ := r.ReadByte()

	var (
		msg Message
		err error
	)
	switch Tag(tagByte) {
	case TagConnect:
		msg, err = decodeConnect(r)
	case TagConnected:
		msg, err = decodeConnected(r)
	case TagRejected:
		msg, err = decodeRejected(r)
	case TagPing:
		var nonce uint64
		nonce, err = readUint64(r)
		msg = Ping{Nonce: nonce}
	case TagPong:
		var nonce uint64
		nonce, err = readUint64(r)
		msg = Pong{Nonce: nonce}
	case TagTcpOpen:
		var addr string
		addr, err = readString(r)
		msg = TcpOpen{RemoteAddr: addr}
	case TagHttpRequest:
		msg, err = decodeHttpRequest(r)
	case TagDataChunk:
		var b []byte
		b, err = readBytes(r)
		msg = DataChunk{Bytes: b}
	case TagDataEnd:
		var s string
		s, err = readString(r)
		msg = DataEnd{Error: s}
	case TagHttpResponse:
		msg, err = decodeHttpResponse(r)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownVariant, tagByte)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return msg, nil
}

func decodeConnect(r *bytes.Reader) (Message, error) {
	version, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	token, err := readString(r)
	if err != nil {
		return nil, err
	}
	spec, err := readProtocolSpec(r)
	if err != nil {
		return nil, err
	}
	hasDesiredByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	identity, err := readIdentity(r)
	if err != nil {
		return nil, err
	}
	return Connect{
		ProtocolVersion: version,
		Token:           token,
		Protocol:        spec,
		HasDesired:      hasDesiredByte != 0,
		DesiredIdentity: identity,
	}, nil
}

func decodeConnected(r *bytes.Reader) (Message, error) {
	identity, err := readIdentity(r)
	if err != nil {
		return nil, err
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		u, err := readString(r)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return Connected{AssignedIdentity: identity, PublicURLs: urls}, nil
}

func decodeRejected(r *bytes.Reader) (Message, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return Rejected{Reason: RejectReason(b)}, nil
}

func decodeHttpRequest(r *bytes.Reader) (Message, error) {
	method, err := readString(r)
	if err != nil {
		return nil, err
	}
	uri, err := readString(r)
	if err != nil {
		return nil, err
	}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	mode, err := readBodyMode(r)
	if err != nil {
		return nil, err
	}
	return HttpRequest{Method: method, URI: uri, Headers: headers, BodyMode: mode}, nil
}

func decodeHttpResponse(r *bytes.Reader) (Message, error) {
	status, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	mode, err := readBodyMode(r)
	if err != nil {
		return nil, err
	}
	return HttpResponse{Status: status, Headers: headers, BodyMode: mode}, nil
}

// --- primitive helpers -----------------------------------------------------

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("length %d exceeds remaining payload", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeHeaders(buf *bytes.Buffer, headers []HeaderField) {
	writeUint32(buf, uint32(len(headers)))
	for _, h := range headers {
		writeString(buf, h.Name)
		writeString(buf, h.Value)
	}
}

func readHeaders(r *bytes.Reader) ([]HeaderField, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	headers := make([]HeaderField, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		value, err := readString(r)
		if err != nil {
			return nil, err
		}
		headers = append(headers, HeaderField{Name: name, Value: value})
	}
	return headers, nil
}

func writeBodyMode(buf *bytes.Buffer, mode BodyMode) {
	buf.WriteByte(byte(mode.Kind))
	if mode.Kind == BodyFixed {
		writeUint64(buf, mode.Len)
	}
}

func readBodyMode(r *bytes.Reader) (BodyMode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return BodyMode{}, err
	}
	mode := BodyMode{Kind: BodyModeKind(b)}
	if mode.Kind == BodyFixed {
		n, err := readUint64(r)
		if err != nil {
			return BodyMode{}, err
		}
		mode.Len = n
	}
	return mode, nil
}

func writeProtocolSpec(buf *bytes.Buffer, spec ProtocolSpec) {
	buf.WriteByte(byte(spec.Kind))
	switch spec.Kind {
	case ProtocolTcp:
		writeUint16(buf, spec.PreferredPort)
	case ProtocolTlsSni:
		writeString(buf, spec.Hostname)
	case ProtocolHttp:
		writeString(buf, spec.Subdomain)
	case ProtocolHttps:
		writeString(buf, spec.Subdomain)
		writeString(buf, spec.CustomDomain)
	}
}

func readProtocolSpec(r *bytes.Reader) (ProtocolSpec, error) {
	b, err := r.ReadByte()
	if err != nil {
		return ProtocolSpec{}, err
	}
	spec := ProtocolSpec{Kind: ProtocolKind(b)}
	switch spec.Kind {
	case ProtocolTcp:
		spec.PreferredPort, err = readUint16(r)
	case ProtocolTlsSni:
		spec.Hostname, err = readString(r)
	case ProtocolHttp:
		spec.Subdomain, err = readString(r)
	case ProtocolHttps:
		spec.Subdomain, err = readString(r)
		if err == nil {
			spec.CustomDomain, err = readString(r)
		}
	default:
		return ProtocolSpec{}, fmt.Errorf("unknown protocol kind %d", b)
	}
	if err != nil {
		return ProtocolSpec{}, err
	}
	return spec, nil
}

func writeIdentity(buf *bytes.Buffer, id Identity) {
	buf.WriteByte(byte(id.Kind))
	switch id.Kind {
	case IdentityPort:
		writeUint16(buf, id.Port)
	case IdentitySubdomain, IdentitySniHost, IdentityCustomDomain:
		writeString(buf, id.Name)
	}
}

func readIdentity(r *bytes.Reader) (Identity, error) {
	b, err := r.ReadByte()
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Kind: IdentityKind(b)}
	switch id.Kind {
	case IdentityPort:
		id.Port, err = readUint16(r)
	case IdentitySubdomain, IdentitySniHost, IdentityCustomDomain:
		id.Name, err = readString(r)
	default:
		// Zero-value identity (no desired identity on first registration).
		return Identity{}, nil
	}
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}
