// Package client talks to taskd over its line protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Client sends one request per connection.
type Client struct {
	Addr     string
	Password string // sent as AUTH before each request when set
	Timeout  time.Duration
}

// Do sends line and returns the full reply. When Password is set, an AUTH
// request goes first on its own connection and must succeed.
func (c *Client) Do(ctx context.Context, line string) (string, error) {
	if c.Password != "" {
		reply, err := c.roundTrip(ctx, "AUTH "+c.Password)
		if err != nil {
			return "", err
		}
		if !strings.HasPrefix(reply, "OK") {
			return reply, fmt.Errorf("auth: %s", strings.TrimSpace(reply))
		}
	}
	return c.roundTrip(ctx, line)
}

func (c *Client) roundTrip(ctx context.Context, line string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if _, err := io.WriteString(conn, strings.TrimRight(line, "\r\n")+"\n"); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil && !errors.Is(err, io.EOF) {
		return string(out), fmt.Errorf("read: %w", err)
	}
	return string(out), nil
}

// IsError reports whether reply is an "ERROR:" line.
func IsError(reply string) bool { return strings.HasPrefix(reply, "ERROR:") }
