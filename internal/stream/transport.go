package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// SSE reads a text/event-stream endpoint, e.g. "http://host/api/stream".
// Client must not carry a timeout; the stream is long-lived. nil uses a
// fresh client.
type SSE struct {
	URL    string
	Client *http.Client
}

func (t SSE) Dial(ctx context.Context) (Conn, error) {
	client := t.Client
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream: GET %s: HTTP %d", t.URL, resp.StatusCode)
	}
	return &sseConn{body: resp.Body, scanner: newEventScanner(resp.Body)}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *eventScanner
}

// Next returns the data of the next event. Reads unblock when the dial
// context ends.
func (c *sseConn) Next(context.Context) ([]byte, error) {
	data, err := c.scanner.next()
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

func (c *sseConn) Close() error { return c.body.Close() }

// eventScanner splits an event stream into events and returns the joined
// "data:" lines of each. Comments and other fields are skipped.
type eventScanner struct {
	r *bufio.Reader
}

func newEventScanner(r io.Reader) *eventScanner {
	return &eventScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

func (s *eventScanner) next() (string, error) {
	var data []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
}

// WebSocket reads text frames from a websocket endpoint, e.g.
// "ws://host/api/ws".
type WebSocket struct {
	URL    string
	Client *http.Client
}

func (t WebSocket) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{HTTPClient: t.Client})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(64 * 1024)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Endpoints derives both push URLs from an API base such as
// "http://localhost:8080/api".
func Endpoints(apiBase string) (sse, ws string) {
	base := strings.TrimRight(apiBase, "/")
	ws = base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/stream", ws + "/ws"
}
