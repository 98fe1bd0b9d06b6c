//go:build !linux && !darwin

package reactor

func newBackend() (backend, error) {
	return nil, ErrUnsupported
}
