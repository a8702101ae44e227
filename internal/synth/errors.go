package synth

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineDisabled is returned for engines turned off in config.
	ErrEngineDisabled = errors.New("engine disabled")
	// ErrUnknownEngine is returned for engine tags with no registered backend.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrSpeedOutOfRange is returned when a speed falls outside its family's bounds.
	ErrSpeedOutOfRange = errors.New("speed out of range")
	// ErrInvalidVoice is returned for voice selectors a backend cannot resolve.
	ErrInvalidVoice = errors.New("invalid voice")
	// ErrInitInProgress is returned by Reinit while an initialization is running.
	ErrInitInProgress = errors.New("initialization in progress")
	// ErrUnsupportedPlatform is returned by native bindings on platforms without dlopen.
	ErrUnsupportedPlatform = errors.New("native engine not supported on this platform")
)

// ConfigurationError means the request cannot be served with the current setup.
// It is fatal to the request, never to the session.
type ConfigurationError struct {
	Engine string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("engine %s misconfigured: %v", e.Engine, e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// SynthesisError wraps a failed backend call.
type SynthesisError struct {
	Engine string
	Cause  error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("engine %s synthesis failed: %v", e.Engine, e.Cause)
}

func (e *SynthesisError) Unwrap() error { return e.Cause }

// InitializationError records a failed one-time backend setup.
type InitializationError struct {
	Engine string
	Cause  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("engine %s initialization failed: %v", e.Engine, e.Cause)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// wrapSynthesis leaves typed errors untouched and wraps everything else.
func wrapSynthesis(engine string, err error) error {
	if err == nil {
		return nil
	}
	var cfgErr *ConfigurationError
	var synErr *SynthesisError
	if errors.As(err, &cfgErr) || errors.As(err, &synErr) {
		return err
	}
	var initErr *InitializationError
	if errors.As(err, &initErr) {
		return &ConfigurationError{Engine: engine, Cause: err}
	}
	return &SynthesisError{Engine: engine, Cause: err}
}
