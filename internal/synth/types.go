package synth

import "context"

// Engine tags accepted in voice preferences.
const (
	EngineAquesTalk1     = "aquestalk1"
	EngineAquesTalk2     = "aquestalk2"
	EngineVoicevox       = "voicevox"
	EngineSharevox       = "sharevox"
	EngineAivisSpeech    = "aivisspeech"
	EngineVoicevoxEngine = "voicevox_engine"
	EngineExec           = "exec"
	EngineMock           = "mock"
)

// Request contains parameters to synthesize one utterance.
type Request struct {
	Text  string
	Voice string
	Speed float64
}

// Backend is the contract every engine family implements.
type Backend interface {
	Synthesize(ctx context.Context, req Request) (*Artifact, error)
}

// Phonemizer converts plain text into the phonetic form phoneme engines expect.
type Phonemizer interface {
	Phonemize(ctx context.Context, text string) (string, error)
}

// Reinitializer is implemented by backends whose one-time setup can be retried.
type Reinitializer interface {
	State() State
	Reinit() error
}
