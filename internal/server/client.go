package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"strata/internal/protocol"
)

// Client is a minimal synchronous client of the TCP protocol. It is safe for
// concurrent use; requests are serialized on the one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to a strata TCP server.
func Dial(ctx context.Context, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Do sends cmd and returns the response payload. A non-zero status comes
// back as the matching protocol sentinel.
func (c *Client) Do(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	return c.DoRaw(ctx, cmd.Code(), cmd.Bytes())
}

// DoRaw sends an arbitrary code and payload.
func (c *Client) DoRaw(ctx context.Context, code uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	if err := WriteRequest(c.conn, code, payload); err != nil {
		return nil, err
	}
	return ReadResponse(c.r)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
