//go:build !linux

package shm

// Create is unavailable off Linux; the mock device covers those hosts.
func Create(size uint64) (*Region, error) {
	return nil, ErrUnsupported
}

func Attach(name string, size uint64) (*Region, error) {
	return nil, ErrUnsupported
}

// Destroy releases an anonymous region; named regions never exist here.
func (r *Region) Destroy() error {
	r.data = nil
	return nil
}
