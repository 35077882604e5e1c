package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"tlpbroker/identity"
	"tlpbroker/types"
	"tlpbroker/wire"
)

const (
	writeTimeout      = 10 * time.Second
	outboundQueueSize = 64
	maxFrameBytes     = 1 << 20
)

var errQueueFull = fmt.Errorf("outbound queue full")

// peerConn is one authenticated websocket session. It owns the session key
// for its peer and runs a write loop draining the outbound queue; reads
// happen on the accepting handler's goroutine.
type peerConn struct {
	fp         identity.Fingerprint
	role       types.Role
	conn       *websocket.Conn
	sessionKey []byte
	outbound   chan []byte
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeerConn(fp identity.Fingerprint, role types.Role, conn *websocket.Conn, sessionKey []byte, msgsPerSecond int) *peerConn {
	ctx, cancel := context.WithCancel(context.Background())
	burst := msgsPerSecond * 2
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(msgsPerSecond)
	if msgsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &peerConn{
		fp:         fp,
		role:       role,
		conn:       conn,
		sessionKey: sessionKey,
		outbound:   make(chan []byte, outboundQueueSize),
		limiter:    rate.NewLimiter(limit, burst),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
}

// Send enqueues a sealed frame for delivery. Never blocks: a peer that
// cannot drain its queue loses frames rather than stalling the broker.
func (p *peerConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
	}

	select {
	case p.outbound <- frame:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errQueueFull
	}
}

// sendEnvelope seals env under the peer's session key and enqueues it.
func (p *peerConn) sendEnvelope(ctx context.Context, env wire.Envelope) error {
	plaintext, err := env.Encode()
	if err != nil {
		return err
	}
	frame, err := wire.Seal(p.sessionKey, plaintext)
	if err != nil {
		return err
	}
	return p.Send(ctx, frame)
}

// Close terminates the session. Safe to call from any goroutine and more
// than once.
func (p *peerConn) Close(reason string) error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.conn.Close(websocket.StatusNormalClosure, reason)
		close(p.closed)
	})
	return err
}

func (p *peerConn) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.outbound:
			ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
			err := p.conn.Write(ctx, websocket.MessageBinary, frame)
			cancel()
			if err != nil {
				p.Close("write error")
				return
			}
		}
	}
}

// readFrame blocks for the next binary frame and opens it with the session
// key. A frame that fails authentication is a protocol violation.
func (p *peerConn) readFrame(ctx context.Context) (wire.Envelope, error) {
	_, frame, err := p.conn.Read(ctx)
	if err != nil {
		return wire.Envelope{}, err
	}
	if len(frame) > maxFrameBytes {
		return wire.Envelope{}, fmt.Errorf("frame exceeds max size (%d bytes)", len(frame))
	}
	plaintext, err := wire.Open(p.sessionKey, frame)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.DecodeEnvelope(plaintext)
}
