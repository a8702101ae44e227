//go:build darwin || freebsd || linux

package native

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Open loads the shared object at path with local symbol visibility.
func Open(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	return &Library{Path: path, handle: handle}, nil
}

// Bind resolves name and stores a callable Go wrapper in fptr, which must be
// a pointer to a func variable.
func (l *Library) Bind(fptr any, name string) error {
	sym, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return fmt.Errorf("resolve %s in %s: %w", name, l.Path, err)
	}
	purego.RegisterFunc(fptr, sym)
	return nil
}

func (l *Library) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}
