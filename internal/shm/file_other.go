//go:build !unix

package shm

func newFileProviders(dir string) (SegmentProvider, MutexProvider, error) {
	return nil, nil, ErrUnsupported
}
