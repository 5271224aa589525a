package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ChatMessage is one turn sent to chat completion.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StatusError reports a non-2xx answer.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

type ClientConfig struct {
	BaseURL         string
	APIKey          string
	ChatModel       string
	TTSModel        string
	TranscribeModel string
	Timeout         time.Duration
}

// Client calls the request/response endpoints.
type Client struct {
	cfg    ClientConfig
	httpc  *http.Client
	logger *zap.Logger
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "upstream_rest")),
	}
}

// Probe is a cheap authenticated request used as a reachability check.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.do(ctx, "probe", http.MethodGet, "/models", "", nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// ChatCompletion returns the assistant reply for the given history.
func (c *Client) ChatCompletion(ctx context.Context, msgs []ChatMessage, temperature float64) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"model":       c.cfg.ChatModel,
		"messages":    msgs,
		"temperature": temperature,
	})
	resp, err := c.do(ctx, "chat", http.MethodPost, "/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message ChatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chat: decode: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("chat: empty completion")
	}
	return out.Choices[0].Message.Content, nil
}

// Speech synthesizes text and returns a WAV file.
func (c *Client) Speech(ctx context.Context, voice, text string) ([]byte, error) {
	body, _ := json.Marshal(map[string]any{
		"model":           c.cfg.TTSModel,
		"voice":           voice,
		"input":           text,
		"response_format": "wav",
	})
	resp, err := c.do(ctx, "speech", http.MethodPost, "/audio/speech", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("speech: read: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("speech: empty audio")
	}
	return b, nil
}

// Transcribe converts a WAV file to text.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("model", c.cfg.TranscribeModel)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("transcribe: form: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("transcribe: form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("transcribe: form: %w", err)
	}

	resp, err := c.do(ctx, "transcribe", http.MethodPost, "/audio/transcriptions", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("transcribe: decode: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	metricRESTLatency.WithLabelValues(endpoint).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metricRESTErrors.WithLabelValues(endpoint).Inc()
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		metricRESTErrors.WithLabelValues(endpoint).Inc()
		c.logger.Warn("upstream request failed", zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}
