package ws

import (
	"context"
	"sync"

	"taskpulse/internal/core/domain"
)

// RuntimeClient is one open transport session owned by the registry for its
// lifetime. Sends go through a buffered out channel drained by a single
// write pump, so broadcast callers never block on a slow socket.
type RuntimeClient struct {
	ctx        context.Context
	cancel     context.CancelFunc
	ws         *WebSocket
	connID     string
	identityID string
	out        chan []byte
	once       sync.Once
}

func NewClient(
	parent context.Context,
	ws *WebSocket,
	connID, identityID string,
	sendBuffer int,
) *RuntimeClient {
	ctx, cancel := context.WithCancel(parent)
	c := &RuntimeClient{
		ctx:        ctx,
		cancel:     cancel,
		ws:         ws,
		connID:     connID,
		identityID: identityID,
		out:        make(chan []byte, sendBuffer),
	}
	go c.writeLoop()
	return c
}

func (c *RuntimeClient) ConnectionID() string { return c.connID }
func (c *RuntimeClient) IdentityID() string   { return c.identityID }

func (c *RuntimeClient) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		// Out buffer full: the peer stopped draining. Best-effort delivery
		// means we drop rather than stall the broadcaster.
		return domain.ErrConnectionClosed
	}
}

func (c *RuntimeClient) Close() {
	c.once.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}

func (c *RuntimeClient) writeLoop() {
	defer c.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			_ = c.ws.WriteMessage(data)
		}
	}
}
