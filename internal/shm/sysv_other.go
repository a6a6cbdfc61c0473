//go:build !linux || !(amd64 || arm64)

package shm

const sysvAvailable = false

func newSysVProviders() (SegmentProvider, MutexProvider, error) {
	return nil, nil, ErrUnsupported
}
