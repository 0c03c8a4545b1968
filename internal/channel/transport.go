package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"nhooyr.io/websocket"
)

// MessageConn is the minimal transport surface the channel layer needs: a
// stream of whole inbound messages and a way to send whole outbound ones.
// Tests substitute an in-memory implementation.
type MessageConn interface {
	// ReadMessage blocks until the next inbound message. A clean close is
	// reported as io.EOF; any other error is a transport failure.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage sends one outbound message.
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// wsConn adapts a WebSocket connection to MessageConn. Envelopes travel as
// text messages. Writes are serialized; the single read loop owns reads.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// DialWS establishes a WebSocket connection to the service socket endpoint.
func DialWS(ctx context.Context, url string) (MessageConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	// Stats snapshots can be large; drop the default read limit.
	conn.SetReadLimit(-1)
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
