package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"yuzu/relay/internal/protocol"
	"yuzu/relay/internal/upstream"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeClient records everything sent to the browser.
type fakeClient struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
	closes atomic.Int32
}

func (c *fakeClient) Send(_ context.Context, ev protocol.ServerEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeClient) Events() []protocol.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ServerEvent(nil), c.events...)
}

func (c *fakeClient) Types() []string {
	var out []string
	for _, ev := range c.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeClient) Errors() []string {
	var out []string
	for _, ev := range c.Events() {
		if ev.Type == protocol.EventError {
			out = append(out, ev.Error)
		}
	}
	return out
}

func (c *fakeClient) Count(typ string) int {
	n := 0
	for _, ev := range c.Events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// fakeConn is a scripted realtime connection.
type fakeConn struct {
	in     chan []byte
	fail   chan error
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
	pings  atomic.Int32

	mu   sync.Mutex
	sent []protocol.Outgoing
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		fail: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, v any) error {
	select {
	case <-c.done:
		return errors.New("closed")
	default:
	}
	msg, ok := v.(protocol.Outgoing)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case err := <-c.fail:
		return nil, err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Ping(context.Context) error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(v any) {
	b, _ := json.Marshal(v)
	c.in <- b
}

func (c *fakeConn) Sent() []protocol.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outgoing(nil), c.sent...)
}

func (c *fakeConn) SentTypes() []string {
	var out []string
	for _, m := range c.Sent() {
		out = append(out, m.Type)
	}
	return out
}

// fakeDialer hands out scripted connections; a nil entry means failure.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	fail  bool
}

func (d *fakeDialer) Dial(context.Context) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail || len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("dial refused")
	}
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) add(c *fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
}

// fakeAPI is a configurable request/response backend.
type fakeAPI struct {
	probeErr   error
	chat       func(ctx context.Context, msgs []upstream.ChatMessage) (string, error)
	speech     func(ctx context.Context, voice, text string) ([]byte, error)
	transcribe func(ctx context.Context, wav []byte) (string, error)

	mu       sync.Mutex
	chatMsgs [][]upstream.ChatMessage
}

func (a *fakeAPI) Probe(context.Context) error { return a.probeErr }

func (a *fakeAPI) ChatCompletion(ctx context.Context, msgs []upstream.ChatMessage, _ float64) (string, error) {
	a.mu.Lock()
	a.chatMsgs = append(a.chatMsgs, append([]upstream.ChatMessage(nil), msgs...))
	a.mu.Unlock()
	if a.chat != nil {
		return a.chat(ctx, msgs)
	}
	return "Hello there!", nil
}

func (a *fakeAPI) Speech(ctx context.Context, voice, text string) ([]byte, error) {
	if a.speech != nil {
		return a.speech(ctx, voice, text)
	}
	return testWAV(), nil
}

func (a *fakeAPI) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if a.transcribe != nil {
		return a.transcribe(ctx, wav)
	}
	return "what time is it", nil
}

func (a *fakeAPI) ChatCalls() [][]upstream.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]upstream.ChatMessage(nil), a.chatMsgs...)
}

// fakeEvents records lifecycle events.
type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *fakeEvents) Append(_ context.Context, _ string, typ string, _ map[string]any) error {
	e.mu.Lock()
	e.types = append(e.types, typ)
	e.mu.Unlock()
	return nil
}

func (e *fakeEvents) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}
