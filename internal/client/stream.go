package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"codeshelf/internal/multiplex"
	"codeshelf/internal/wire"
)

// StreamDialer opens live streams over server-sent events. It satisfies multiplex.Dialer.
type StreamDialer struct {
	c *Client
}

func (c *Client) StreamDialer() *StreamDialer {
	return &StreamDialer{c: c}
}

func (d *StreamDialer) Dial(ctx context.Context, endpoint string) (multiplex.Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.c.baseURL+"/api/stream/"+url.PathEscape(endpoint), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token := d.c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("dial %s: %w (%d)", endpoint, multiplex.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		err := decodeAPIError(resp)
		resp.Body.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &sseConn{body: resp.Body, events: wire.NewEventReader(resp.Body)}, nil
}

type sseConn struct {
	body   io.ReadCloser
	events *wire.EventReader
}

func (c *sseConn) Next() ([]byte, error) {
	return c.events.Next()
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
