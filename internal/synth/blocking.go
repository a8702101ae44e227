package synth

import "context"

type blockingResult struct {
	data []byte
	err  error
}

// Blocking runs a call that cannot observe ctx (native bindings) and stops
// waiting when ctx ends. The call keeps running to completion in the background.
func Blocking(ctx context.Context, call func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(chan blockingResult, 1)
	go func() {
		data, err := call()
		result <- blockingResult{data: data, err: err}
	}()
	select {
	case r := <-result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
