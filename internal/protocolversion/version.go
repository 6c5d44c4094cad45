// Package protocolversion pins the single compatibility knob of the wire
// protocol: the u16 negotiated in Connect.
package protocolversion

// Current is the protocol version this build of relayd speaks. A Connect
// whose ProtocolVersion does not match Current is rejected with
// VersionMismatch; there is no negotiation beyond equality.
const Current uint16 = 3
