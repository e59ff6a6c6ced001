package gossip

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
)

// Peer represents a connected remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the peer's transport key
	address   string            // address is the peer's network address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the local node that owns this peer

	sendMu sync.Mutex
}

// PublicKey returns the peer's transport public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the peer's network address.
func (p *Peer) Address() string {
	return p.address
}

// Send sends a one-way message to the peer on a unidirectional stream.
func (p *Peer) Send(kind byte, payload []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	stream, err := p.conn.OpenUniStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeMessage(stream, kind, payload); err != nil {
		stream.CancelWrite(1)
		return fmt.Errorf("write message: %w", err)
	}

	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}

	return nil
}

// Request sends a request on a bidirectional stream and waits for the reply.
func (p *Peer) Request(ctx context.Context, kind byte, payload []byte) ([]byte, error) {
	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := writeMessage(stream, kind, payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	_, reply, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	return reply, nil
}

// Close closes the connection to the peer.
func (p *Peer) Close() error {
	return p.conn.CloseWithError(0, "closing")
}

// receiveLoop accepts incoming streams until the connection dies.
func (p *Peer) receiveLoop() {
	ctx := p.node.ctx

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.receiveUniStreams(ctx)
	}()

	go func() {
		defer wg.Done()
		p.receiveBidiStreams(ctx)
	}()

	wg.Wait()

	p.node.handlePeerDisconnect(p)
}

// receiveUniStreams reads relayed messages from unidirectional streams.
func (p *Peer) receiveUniStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			return // connection closed
		}

		go p.handleUniStream(stream)
	}
}

// handleUniStream reads one message from a unidirectional stream.
// Duplicate messages are dropped before the handler ever sees them.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	kind, payload, err := readMessage(stream)
	if err != nil {
		if err != io.EOF {
			stream.CancelRead(1)
		}
		return
	}

	if !p.node.dedup.Check(frameFor(kind, payload)) {
		return
	}

	p.node.callOnMessage(p, kind, payload)
}

// receiveBidiStreams answers requests on bidirectional streams.
func (p *Peer) receiveBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return // connection closed
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream reads one request and writes the reply.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	kind, payload, err := readMessage(stream)
	if err != nil {
		stream.CancelRead(1)
		return
	}

	reply, err := p.node.callOnRequest(p, kind, payload)
	if err != nil {
		stream.CancelWrite(1)
		return
	}

	if err := writeMessage(stream, kind, reply); err != nil {
		stream.CancelWrite(1)
	}
}
