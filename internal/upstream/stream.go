// Package upstream talks to the hosted realtime speech service: the
// persistent websocket used by streaming sessions and the request/response
// endpoints used by the fallback pipeline.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNormalClosure is returned by Read when the peer closed with 1000.
var ErrNormalClosure = errors.New("upstream closed normally")

const readLimit = 16 << 20

// Dialer opens realtime websocket connections.
type Dialer struct {
	URL    string
	Model  string
	APIKey string
	Logger *zap.Logger
}

func (d *Dialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects and returns a ready connection. The caller bounds the attempt
// with ctx.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	hdr := make(http.Header)
	if d.APIKey != "" {
		hdr.Set("Authorization", "Bearer "+d.APIKey)
	}
	hdr.Set("OpenAI-Beta", "realtime=v1")

	start := time.Now()
	ws, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		metricDialErrors.Inc()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Warn("realtime dial failed", zap.Int("status", status), zap.Error(err))
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	ws.SetReadLimit(readLimit)
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))
	logger.Debug("realtime connected", zap.Duration("took", time.Since(start)))
	return &Conn{ws: ws}, nil
}

// Conn is one realtime websocket. Send, Ping and Close may be called
// concurrently with a single reader.
type Conn struct {
	ws *websocket.Conn
}

// Send writes v as one JSON text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		return fmt.Errorf("upstream send: %w", err)
	}
	return nil
}

// Read blocks for the next frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil, ErrNormalClosure
			}
			return nil, fmt.Errorf("upstream read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}
