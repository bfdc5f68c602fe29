// Package appclient is the JSON-line client for the control socket. Each
// call opens a fresh connection, sends one request, and reads one response.
package appclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmux-sh/cmux/internal/config"
	"github.com/cmux-sh/cmux/internal/protocol"
)

// RequestError is a structured failure reported by the application. Kind
// matches the wire error kinds.
type RequestError struct {
	Kind    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Client struct {
	socketPath     string
	connectTimeout time.Duration
	dialRetryDelay time.Duration
	dialRetryFor   time.Duration
	readTimeout    time.Duration
	log            zerolog.Logger
	nextID         atomic.Uint64
}

type Option func(*Client)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(cfg config.Config, opts ...Option) *Client {
	c := &Client{
		socketPath:     cfg.SocketPath,
		connectTimeout: cfg.ConnectTimeout,
		dialRetryDelay: cfg.DialRetryDelay,
		dialRetryFor:   cfg.DialRetryFor,
		readTimeout:    cfg.ReadTimeout,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends one request and decodes the result into out (which may be nil).
// Failed responses come back as *RequestError.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.socketPath, err)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	id := c.nextID.Add(1)
	payload, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	line, err := protocol.ReadLine(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp struct {
		ID     any             `json:"id"`
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return &RequestError{Kind: "Internal", Message: "failure response without error payload"}
		}
		return &RequestError{Kind: resp.Error.Kind, Message: resp.Error.Message}
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// dial retries while the application is still binding its socket; a fresh
// launch may be asked for work before the listener exists.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	deadline := time.Now().Add(c.dialRetryFor)
	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := net.DialTimeout("unix", c.socketPath, c.connectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, lastErr
		}
		if attempt == 0 {
			c.log.Debug().Err(err).Str("path", c.socketPath).Msg("socket not ready; retrying")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.dialRetryDelay):
		}
	}
}
