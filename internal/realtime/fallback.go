package realtime

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuzu/relay/internal/audio"
	"yuzu/relay/internal/protocol"
	"yuzu/relay/internal/resilience"
	"yuzu/relay/internal/upstream"
)

type FallbackOptions struct {
	Instructions        string
	Voice               string
	Temperature         float64
	ProbeTimeout        time.Duration
	HistoryWindow       int
	MaxAudioBufferBytes int
	Limiter             resilience.LimiterConfig
}

// Fallback approximates a streaming session with discrete calls:
// transcribe, chat completion, speech synthesis.
type Fallback struct {
	base
	opts    FallbackOptions
	api     PipelineAPI
	limiter *resilience.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	turnMu sync.Mutex
	wg     sync.WaitGroup

	mu        sync.Mutex
	history   []upstream.ChatMessage
	audioBuf  []byte
	turns     []*turn // queued or running
	connected bool
	closed    bool
}

type turn struct {
	id        string
	cancelled atomic.Bool
}

func newFallback(opts FallbackOptions, api PipelineAPI, client ClientConn, h hooks, now func() time.Time, logger *zap.Logger) *Fallback {
	id := "fallback_" + uuid.NewString()
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.MaxAudioBufferBytes <= 0 {
		opts.MaxAudioBufferBytes = 10 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fallback{
		base:    newBase(id, client, h, now, logger),
		opts:    opts,
		api:     api,
		ctx:     ctx,
		cancel:  cancel,
		history: []upstream.ChatMessage{{Role: "system", Content: opts.Instructions}},
	}
	f.logger = f.logger.With(zap.String("session_id", id), zap.String("kind", "fallback"))
	f.limiter = resilience.NewLimiter(opts.Limiter, f.now)
	return f
}

// NewFallback builds a standalone request/response session.
func NewFallback(opts FallbackOptions, api PipelineAPI, client ClientConn, now func() time.Time, logger *zap.Logger) *Fallback {
	return newFallback(opts, api, client, hooks{}, now, logger)
}

// Connect runs one reachability probe, without retry.
func (f *Fallback) Connect(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, f.opts.ProbeTimeout)
	err := f.api.Probe(pctx)
	cancel()
	if err != nil {
		f.logger.Warn("fallback probe failed", zap.Error(err))
		f.emit(protocol.Error(protocol.ErrMsgUnavailable))
		return false
	}
	f.mu.Lock()
	f.connected = true
	voice := f.opts.Voice
	f.mu.Unlock()
	f.emit(protocol.SessionReady(f.id, voice, protocol.DefaultModalities, true))
	f.logger.Info("fallback session ready")
	return true
}

func (f *Fallback) HandleClientEvent(ctx context.Context, ev protocol.ClientEvent) {
	switch e := ev.(type) {
	case protocol.SessionUpdate:
		f.mu.Lock()
		if e.Instructions != nil {
			f.history[0].Content = *e.Instructions
		}
		if e.Voice != "" {
			f.opts.Voice = e.Voice
		}
		if e.Temperature != nil {
			f.opts.Temperature = *e.Temperature
		}
		voice := f.opts.Voice
		f.mu.Unlock()
		f.emit(protocol.SessionUpdated(f.id, voice, protocol.DefaultModalities))
	case protocol.ConversationItemCreate:
		role := e.Role
		if role != "assistant" {
			role = "user"
		}
		f.appendTurn(role, e.Text)
		f.emit(protocol.ItemCreated("item_"+uuid.NewString(), role))
	case protocol.TextMessage:
		f.appendTurn("user", e.Text)
		f.emit(protocol.ItemCreated("item_"+uuid.NewString(), "user"))
		f.startTurn(nil)
	case protocol.ResponseCreate:
		f.startTurn(nil)
	case protocol.AudioAppend:
		if !f.limiter.TryConsume() {
			metricRateLimited.Inc()
			f.emit(protocol.Error(protocol.ErrMsgRateLimited))
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(e.Audio)
		if err != nil {
			f.emit(protocol.Error(protocol.ErrMsgInvalidMessage))
			return
		}
		f.mu.Lock()
		full := len(f.audioBuf)+len(pcm) > f.opts.MaxAudioBufferBytes
		if !full {
			f.audioBuf = append(f.audioBuf, pcm...)
		}
		f.mu.Unlock()
		if full {
			f.emit(protocol.Error(protocol.ErrMsgAudioBufferFull))
		}
	case protocol.AudioCommit:
		f.mu.Lock()
		pcm := f.audioBuf
		f.audioBuf = nil
		f.mu.Unlock()
		if len(pcm) == 0 {
			f.logger.Debug("commit with empty audio buffer")
			return
		}
		f.startTurn(audio.EncodeWAV(pcm, audio.Format{SampleRate: audio.RealtimeSampleRate, Channels: 1}))
	case protocol.AudioClear:
		f.mu.Lock()
		f.audioBuf = nil
		f.mu.Unlock()
	case protocol.CancelResponse:
		f.mu.Lock()
		for _, t := range f.turns {
			t.cancelled.Store(true)
		}
		f.mu.Unlock()
	case protocol.UnknownClientEvent:
		f.logger.Debug("ignoring unknown client event", zap.String("type", e.Type))
	}
}

func (f *Fallback) appendTurn(role, content string) {
	f.mu.Lock()
	f.history = append(f.history, upstream.ChatMessage{Role: role, Content: content})
	f.mu.Unlock()
}

// window returns the system instruction plus the most recent turns.
func (f *Fallback) window() []upstream.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := f.history[1:]
	if n := f.opts.HistoryWindow; n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]upstream.ChatMessage, 0, len(turns)+1)
	out = append(out, f.history[0])
	return append(out, turns...)
}

// startTurn queues one pipeline run. Runs are serialized per session; a
// cancel reaches queued runs as well as the running one.
func (f *Fallback) startTurn(wav []byte) {
	t := &turn{id: "resp_" + uuid.NewString()}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.turns = append(f.turns, t)
	f.wg.Add(1)
	f.mu.Unlock()
	go func() {
		defer f.wg.Done()
		f.turnMu.Lock()
		defer f.turnMu.Unlock()
		defer f.finishTurn(t)
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}
		f.runTurn(f.ctx, t, wav)
	}()
}

func (f *Fallback) finishTurn(t *turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, q := range f.turns {
		if q == t {
			f.turns = append(f.turns[:i], f.turns[i+1:]...)
			return
		}
	}
}

func (f *Fallback) runTurn(ctx context.Context, t *turn, wav []byte) {
	if t.cancelled.Load() {
		// Cancelled while queued: close the response without calling upstream.
		f.emit(protocol.ResponseCreated(t.id))
		f.emit(protocol.ResponseComplete(t.id, protocol.StatusCancelled, nil))
		return
	}
	if wav != nil {
		start := time.Now()
		text, err := f.api.Transcribe(ctx, wav)
		metricPipelineStageMS.WithLabelValues("transcribe").Observe(float64(time.Since(start).Milliseconds()))
		if ctx.Err() != nil {
			return
		}
		if err != nil || text == "" {
			metricPipelineFailures.WithLabelValues("transcribe").Inc()
			f.logger.Warn("transcription failed", zap.Error(err))
			f.emit(protocol.Error(protocol.ErrMsgTranscribeFailed))
			return
		}
		f.emit(protocol.Transcription("item_"+uuid.NewString(), text))
		f.appendTurn("user", text)
		if t.cancelled.Load() {
			return
		}
	}

	f.emit(protocol.ResponseCreated(t.id))

	f.mu.Lock()
	temp := f.opts.Temperature
	f.mu.Unlock()
	start := time.Now()
	reply, err := f.api.ChatCompletion(ctx, f.window(), temp)
	metricPipelineStageMS.WithLabelValues("chat").Observe(float64(time.Since(start).Milliseconds()))
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		metricPipelineFailures.WithLabelValues("chat").Inc()
		f.logger.Error("chat completion failed", zap.String("response_id", t.id), zap.Error(err))
		f.emit(protocol.Error(protocol.ErrMsgGenerateFailed))
		return
	}
	f.appendTurn("assistant", reply)
	if t.cancelled.Load() {
		f.emit(protocol.ResponseComplete(t.id, protocol.StatusCancelled, nil))
		return
	}

	f.emit(protocol.TextDelta(t.id, reply))
	f.emit(protocol.TextDone(t.id, reply))
	if t.cancelled.Load() {
		f.emit(protocol.ResponseComplete(t.id, protocol.StatusCancelled, nil))
		return
	}

	f.mu.Lock()
	voice := f.opts.Voice
	f.mu.Unlock()
	start = time.Now()
	wavOut, err := f.api.Speech(ctx, voice, reply)
	metricPipelineStageMS.WithLabelValues("speech").Observe(float64(time.Since(start).Milliseconds()))
	if ctx.Err() != nil {
		return
	}
	var pcm []byte
	if err == nil {
		var format audio.Format
		pcm, format, err = audio.DecodeWAV(wavOut)
		if err == nil {
			pcm = audio.ToRealtime(pcm, format)
		}
	}
	if err != nil {
		// Text already went out; this turn is text-only.
		metricPipelineFailures.WithLabelValues("speech").Inc()
		f.logger.Warn("speech synthesis failed", zap.String("response_id", t.id), zap.Error(err))
	} else if t.cancelled.Load() {
		f.emit(protocol.ResponseComplete(t.id, protocol.StatusCancelled, nil))
		return
	} else {
		f.emit(protocol.AudioDelta(t.id, base64.StdEncoding.EncodeToString(pcm)))
		f.emit(protocol.AudioDone(t.id))
	}

	f.emit(protocol.ResponseComplete(t.id, protocol.StatusCompleted, nil))
}

// wait blocks until queued pipeline runs finish.
func (f *Fallback) wait() { f.wg.Wait() }

func (f *Fallback) Info() SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "disconnected"
	switch {
	case f.closed:
		state = "closed"
	case f.connected:
		state = "connected"
	}
	return SessionInfo{
		SessionID:       f.id,
		State:           state,
		Connected:       f.connected && !f.closed,
		UsingFallback:   true,
		RateLimitTokens: f.limiter.Tokens(),
		HistoryLength:   len(f.history),
		BufferedAudio:   len(f.audioBuf),
	}
}

// Cleanup is idempotent. In-flight upstream calls are cancelled and their
// results discarded.
func (f *Fallback) Cleanup() {
	if c := f.shutdown(); c != nil {
		_ = c.Close()
	}
}

func (f *Fallback) discard() { f.shutdown() }

func (f *Fallback) shutdown() ClientConn {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.audioBuf = nil
	f.mu.Unlock()
	f.cancel()
	return f.release()
}
