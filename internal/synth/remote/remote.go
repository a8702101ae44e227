// Package remote talks to VOICEVOX-compatible engines over HTTP
// (AivisSpeech Engine, VOICEVOX ENGINE).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

const maxErrorBody = 64 << 10

// StatusError is a non-2xx reply from the engine.
type StatusError struct {
	Op     string
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
}

type Backend struct {
	engine  string
	baseURL string
	client  *http.Client
}

func New(engine string, cfg config.RemoteConfig) *Backend {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &Backend{
		engine:  engine,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *Backend) Synthesize(ctx context.Context, req synth.Request) (*synth.Artifact, error) {
	if _, err := strconv.ParseUint(req.Voice, 10, 32); err != nil {
		return nil, &synth.ConfigurationError{Engine: b.engine, Cause: fmt.Errorf("%w: speaker %q", synth.ErrInvalidVoice, req.Voice)}
	}

	params := url.Values{}
	params.Set("text", req.Text)
	params.Set("speaker", req.Voice)
	query, err := b.post(ctx, "audio_query", "/audio_query?"+params.Encode(), nil)
	if err != nil {
		return nil, &synth.SynthesisError{Engine: b.engine, Cause: err}
	}

	query, err = synth.SetSpeedScale(query, req.Speed)
	if err != nil {
		return nil, &synth.SynthesisError{Engine: b.engine, Cause: err}
	}

	params = url.Values{}
	params.Set("speaker", req.Voice)
	wav, err := b.post(ctx, "synthesis", "/synthesis?"+params.Encode(), query)
	if err != nil {
		return nil, &synth.SynthesisError{Engine: b.engine, Cause: err}
	}
	return synth.NewArtifact(b.engine, wav)
}

func (b *Backend) post(ctx context.Context, op, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Detail: detail(data)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return data, nil
}

// detail extracts the FastAPI error message, which is either a string or a
// list of validation errors.
func detail(body []byte) string {
	var doc struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || len(doc.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}
	var msg string
	if err := json.Unmarshal(doc.Detail, &msg); err == nil {
		return msg
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(doc.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			msgs = append(msgs, item.Msg)
		}
		return strings.Join(msgs, "; ")
	}
	return string(doc.Detail)
}
