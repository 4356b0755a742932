//go:build !linux && !windows

package focus

import "context"

// NewProber returns a prober that always reports ErrUnsupported.
func NewProber() Prober {
	return ProberFunc(func(context.Context) (Window, error) {
		return Window{}, ErrUnsupported
	})
}
