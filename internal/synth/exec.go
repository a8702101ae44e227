package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// NewExec runs command once per utterance: the request goes to stdin as JSON
// and the command writes WAV bytes to stdout.
func NewExec(command string) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execBackend{cmd: args}, nil
}

func (e *execBackend) Synthesize(ctx context.Context, req Request) (*Artifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, Speed: req.Speed})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SynthesisError{Engine: EngineExec, Cause: fmt.Errorf("tts command failed: %w: %s", err, stderr.String())}
	}
	if stdout.Len() == 0 {
		return nil, &SynthesisError{Engine: EngineExec, Cause: fmt.Errorf("tts command produced no audio")}
	}
	return NewArtifact(EngineExec, stdout.Bytes())
}
