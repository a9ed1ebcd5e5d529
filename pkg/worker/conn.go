package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cratery/registry/pkg/regerrors"
)

// writeTimeout bounds one frame write so a wedged worker socket cannot
// stall the dispatch loop.
const writeTimeout = 10 * time.Second

// wsConn adapts a gorilla WebSocket to the dispatcher's Conn. Gorilla
// permits a single concurrent writer, so Send serializes behind a mutex.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(env Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// ServeConn owns one worker's connection lifetime: it reads the initial
// register frame, joins the pool, then pumps messages into HandleMessage
// until the socket or ctx dies. It always deregisters on return.
func (d *Dispatcher) ServeConn(ctx context.Context, ws *websocket.Conn) error {
	conn := NewWSConn(ws)

	// The first frame must be register; everything else is a protocol error.
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read register frame: %w", err)
	}
	env, err := DecodeFrame(frame)
	if err != nil {
		return err
	}
	if env.Type != MsgRegister {
		return regerrors.New(regerrors.KindInvalid,
			fmt.Sprintf("expected register, got %q", env.Type))
	}
	var desc Descriptor
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		return regerrors.Wrap(regerrors.KindInvalid, "register payload", err)
	}
	if err := d.Register(desc, conn); err != nil {
		return err
	}
	defer d.Deregister(context.WithoutCancel(ctx), desc.ID)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %s read: %w", desc.ID, err)
		}
		env, err := DecodeFrame(frame)
		if err != nil {
			d.logger.WithError(err).WithField("worker", desc.ID).Warn("bad worker frame")
			continue
		}
		if err := d.HandleMessage(ctx, desc.ID, env); err != nil {
			d.logger.WithError(err).WithFields(map[string]interface{}{
				"worker": desc.ID, "type": string(env.Type),
			}).Warn("worker message failed")
		}
	}
}
