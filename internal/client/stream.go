package client

import (
	"fmt"
	"net"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"

	"github.com/relaydio/relayd/internal/protocol"
	"github.com/relaydio/relayd/internal/proxy"
)

// handleStream dispatches one relay-opened data stream to the local
// service, based on the client's own registered protocol kind (§4.5,
// §4.6, §4.7, §4.8). The relay never sends a kind tag on the stream
// itself; a session is registered under exactly one ProtocolKind, so the
// client already knows how to interpret what follows.
func (c *Client) handleStream(stream *yamux.Stream) {
	defer stream.Close()

	var err error
	switch c.spec.Kind {
	case protocol.ProtocolTcp, protocol.ProtocolTlsSni:
		err = c.handleRawStream(stream)
	case protocol.ProtocolHttp, protocol.ProtocolHttps:
		err = c.handleHTTPStream(stream)
	default:
		err = fmt.Errorf("client: unknown protocol kind %v", c.spec.Kind)
	}
	if err != nil {
		log.Debug("stream handler ended", "err", err)
	}
}

// handleRawStream serves the Tcp (§4.5) and TlsSni (§4.6) ingresses: both
// open with a TcpOpen announcement; TlsSni additionally replays the
// peeked ClientHello bytes as one DataChunk before the connection goes
// raw. Everything after that is an undifferentiated byte stream in both
// directions.
func (c *Client) handleRawStream(stream *yamux.Stream) error {
	reader := protocol.NewReader(stream)
	msg, err := reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("client: read TcpOpen: %w", err)
	}
	open, ok := msg.(protocol.TcpOpen)
	if !ok {
		return fmt.Errorf("client: expected TcpOpen, got %T", msg)
	}

	local, err := net.Dial("tcp", c.localAddr)
	if err != nil {
		return fmt.Errorf("client: dial local service for %s: %w", open.RemoteAddr, err)
	}
	defer local.Close()

	if c.spec.Kind == protocol.ProtocolTlsSni {
		msg, err := reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("client: read SNI replay chunk: %w", err)
		}
		chunk, ok := msg.(protocol.DataChunk)
		if !ok {
			return fmt.Errorf("client: expected DataChunk, got %T", msg)
		}
		if _, err := local.Write(chunk.Bytes); err != nil {
			return fmt.Errorf("client: replay ClientHello to local service: %w", err)
		}
	}

	return proxy.Bidirectional(local, stream)
}
