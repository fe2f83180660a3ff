package maps

import "errors"

var (
	ErrKeyNotExist = errors.New("key does not exist")
	ErrKeyExist    = errors.New("key already exists")
)

// UpdateFlag values match the kernel BPF_ANY and BPF_NOEXIST flags.
type UpdateFlag uint64

const (
	UpdateAny     UpdateFlag = 0
	UpdateNoExist UpdateFlag = 1
)

// Table is a bounded key value table shared by every hook. Each call is an
// independent atomic operation; there is no read-modify-write.
type Table[K comparable, V any] interface {
	Lookup(key K) (V, bool)
	// Update with UpdateNoExist returns ErrKeyExist when the key is present.
	Update(key K, value V, flag UpdateFlag) error
	// Delete returns ErrKeyNotExist when the key is absent.
	Delete(key K) error
	// Range stops when fn returns false.
	Range(fn func(key K, value V) bool) error
	Len() int
}
