package statusipc

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"
)

// Client sends requests over one status socket connection.
type Client struct {
	conn *Conn
	seq  atomic.Uint64
}

// Dial connects to the server at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	raw, err := dial(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: NewConn(raw)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Do sends req and waits for its response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = strconv.FormatUint(c.seq.Add(1), 10)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	c.conn.SetDeadline(deadline)

	if err := c.conn.Send(&req); err != nil {
		return nil, err
	}
	var resp Response
	if err := c.conn.Recv(&resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.Do(ctx, Request{Type: TypeStatus})
}

func (c *Client) Check(ctx context.Context, stream string) (*Response, error) {
	return c.Do(ctx, Request{Type: TypeCheck, Stream: stream})
}

func (c *Client) Abort(ctx context.Context) (*Response, error) {
	return c.Do(ctx, Request{Type: TypeAbort})
}

func (c *Client) Commit(ctx context.Context) (*Response, error) {
	return c.Do(ctx, Request{Type: TypeCommit})
}
