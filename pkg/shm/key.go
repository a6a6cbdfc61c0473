package shm

import (
	"github.com/cespare/xxhash/v2"

	internalshm "github.com/srediag/shmseg/internal/shm"
)

// Key names a segment and its lock. See DeriveKey.
type Key = internalshm.Key

// keySalt plays the role of ftok's project id: it namespaces our keys away
// from other users of the same names.
const keySalt = "shmseg\x01"

// DeriveKey maps a name to a positive Key. The name is only a seed and need
// not refer to an existing file; every process passing the same name gets
// the same key.
func DeriveKey(name string) (Key, error) {
	if name == "" {
		return 0, configErr("derive key", name, ErrInvalidName)
	}
	h := xxhash.New()
	_, _ = h.WriteString(keySalt)
	_, _ = h.WriteString(name)
	// Fold into [1, MaxInt32): zero is IPC_PRIVATE for SysV.
	return Key(h.Sum64()%(1<<31-2) + 1), nil
}
