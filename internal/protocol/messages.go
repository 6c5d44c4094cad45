// Package protocol implements the wire protocol between a relayd client and
// relay: length-delimited framing plus a tagged-variant message enum (§3,
// §4.1 of the spec). Every variant carries a stable one-byte wire tag; an
// unrecognized tag is always fatal. Forward compatibility, where it exists
// at all, lives inside a single message's trailing fields, never across
// variants.
package protocol

// Tag identifies a Message variant on the wire. Values are part of the wire
// format and must never be renumbered once shipped.
type Tag byte

const (
	TagConnect Tag = iota + 1
	TagConnected
	TagRejected
	TagPing
	TagPong
	TagTcpOpen
	TagHttpRequest
	TagDataChunk
	TagDataEnd
	TagHttpResponse
)

// Message is any value that can be carried in a frame payload.
type Message interface {
	tag() Tag
}

// ProtocolKind distinguishes the four tunnel protocols a client can request.
type ProtocolKind byte

const (
	ProtocolTcp ProtocolKind = iota + 1
	ProtocolTlsSni
	ProtocolHttp
	ProtocolHttps
)

// ProtocolSpec is the sum type `Tcp{preferred_port?} | TlsSni{hostname} |
// Http{subdomain?} | Https{subdomain?|custom_domain}` from §3.
type ProtocolSpec struct {
	Kind ProtocolKind

	// Tcp
	PreferredPort uint16 // 0 means "no preference"

	// TlsSni
	Hostname string

	// Http / Https
	Subdomain    string
	CustomDomain string // Https only; mutually exclusive with Subdomain
}

// IdentityKind distinguishes the four public-handle shapes from §3.
type IdentityKind byte

const (
	IdentityPort IdentityKind = iota + 1
	IdentitySubdomain
	IdentitySniHost
	IdentityCustomDomain
)

// Identity is the sum type `Port(u16) | Subdomain(String) | SniHost(String)
// | CustomDomain(String)` — the public handle a registry entry is keyed by.
type Identity struct {
	Kind IdentityKind
	Port uint16
	Name string // Subdomain / SniHost / CustomDomain value
}

// String renders the identity for logs and error messages.
func (id Identity) String() string {
	switch id.Kind {
	case IdentityPort:
		return "port:" + utoa(uint64(id.Port))
	case IdentitySubdomain:
		return "subdomain:" + id.Name
	case IdentitySniHost:
		return "sni:" + id.Name
	case IdentityCustomDomain:
		return "domain:" + id.Name
	default:
		return "identity:unknown"
	}
}

// RejectReason is the tagged reason carried in a Rejected message (§3, §7).
type RejectReason byte

const (
	ReasonVersionMismatch RejectReason = iota + 1
	ReasonAuthFailed
	ReasonConflict
	ReasonExhausted
	ReasonProtocolError
	ReasonPortOutOfRange
)

func (r RejectReason) String() string {
	switch r {
	case ReasonVersionMismatch:
		return "VersionMismatch"
	case ReasonAuthFailed:
		return "AuthFailed"
	case ReasonConflict:
		return "Conflict"
	case ReasonExhausted:
		return "Exhausted"
	case ReasonProtocolError:
		return "ProtocolError"
	case ReasonPortOutOfRange:
		return "PortOutOfRange"
	default:
		return "Unknown"
	}
}

// BodyModeKind is the `None | Fixed(len) | Chunked | Stream` enum from §3.
type BodyModeKind byte

const (
	BodyNone BodyModeKind = iota + 1
	BodyFixed
	BodyChunked
	BodyStream
)

// BodyMode describes how a message body is carried on the data stream.
type BodyMode struct {
	Kind BodyModeKind
	Len  uint64 // valid only when Kind == BodyFixed
}

// HeaderField is one HTTP header line, order-preserving (headers may repeat).
type HeaderField struct {
	Name  string
	Value string
}

// Connect is sent client→relay on stream 0 to register a tunnel.
type Connect struct {
	ProtocolVersion uint16
	Token           string
	Protocol        ProtocolSpec
	DesiredIdentity Identity
	HasDesired      bool // false on first registration; true on reconnect
}

func (Connect) tag() Tag { return TagConnect }

// Connected is sent relay→client on stream 0 after successful registration.
type Connected struct {
	AssignedIdentity Identity
	PublicURLs       []string
}

func (Connected) tag() Tag { return TagConnected }

// Rejected is sent relay→client on stream 0 and closes the stream.
type Rejected struct {
	Reason RejectReason
}

func (Rejected) tag() Tag { return TagRejected }

// Ping is a keepalive carried on stream 0 in either direction.
type Ping struct {
	Nonce uint64
}

func (Ping) tag() Tag { return TagPing }

// Pong answers a Ping with the same nonce.
type Pong struct {
	Nonce uint64
}

func (Pong) tag() Tag { return TagPong }

// TcpOpen is the first message on a newly opened data stream, sent
// relay→client, announcing an inbound TCP/TLS connection.
type TcpOpen struct {
	RemoteAddr string
}

func (TcpOpen) tag() Tag { return TagTcpOpen }

// HttpRequest is the first message on a newly opened data stream, sent
// relay→client, carrying an inbound HTTP request head.
type HttpRequest struct {
	Method   string
	URI      string
	Headers  []HeaderField
	BodyMode BodyMode
}

func (HttpRequest) tag() Tag { return TagHttpRequest }

// DataChunk carries streamed payload bytes on a data stream, either
// direction.
type DataChunk struct {
	Bytes []byte
}

func (DataChunk) tag() Tag { return TagDataChunk }

// DataEnd terminates a streamed payload on a data stream, either direction.
// Error is empty for a clean end.
type DataEnd struct {
	Error string
}

func (DataEnd) tag() Tag { return TagDataEnd }

// HttpResponse is sent client→relay on a data stream carrying the response
// head to a previously delivered HttpRequest.
type HttpResponse struct {
	Status   uint16
	Headers  []HeaderField
	BodyMode BodyMode
}

func (HttpResponse) tag() Tag { return TagHttpResponse }

// utoa avoids pulling in strconv just for this one call site's worth of
// formatting inside String().
func utoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
