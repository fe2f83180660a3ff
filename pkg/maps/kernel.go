package maps

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cilium/ebpf"
)

// KernelTable backs a Table with a pinned eBPF map. Keys and values are
// encoded with their MarshalBinary layouts or as fixed size integers.
type KernelTable[K comparable, V any] struct {
	name string
	m    *ebpf.Map
}

func NewKernelTable[K comparable, V any](name string, m *ebpf.Map) *KernelTable[K, V] {
	return &KernelTable[K, V]{name: name, m: m}
}

// OpenPinnedTable loads the map pinned as pinDir/name.
func OpenPinnedTable[K comparable, V any](pinDir, name string) (*KernelTable[K, V], error) {
	m, err := ebpf.LoadPinnedMap(filepath.Join(pinDir, name), nil)
	if err != nil {
		return nil, fmt.Errorf("load pinned map %s: %w", name, err)
	}
	return NewKernelTable[K, V](name, m), nil
}

func (t *KernelTable[K, V]) Name() string { return t.name }

func (t *KernelTable[K, V]) Map() *ebpf.Map { return t.m }

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ebpf.ErrKeyNotExist):
		return ErrKeyNotExist
	case errors.Is(err, ebpf.ErrKeyExist):
		return ErrKeyExist
	}
	return err
}

func (t *KernelTable[K, V]) Lookup(key K) (V, bool) {
	var value V
	if err := t.m.Lookup(key, &value); err != nil {
		var zero V
		return zero, false
	}
	return value, true
}

func (t *KernelTable[K, V]) Update(key K, value V, flag UpdateFlag) error {
	return translate(t.m.Update(key, value, ebpf.MapUpdateFlags(flag)))
}

func (t *KernelTable[K, V]) Delete(key K) error {
	return translate(t.m.Delete(key))
}

func (t *KernelTable[K, V]) Range(fn func(key K, value V) bool) error {
	var (
		key   K
		value V
	)
	iter := t.m.Iterate()
	for iter.Next(&key, &value) {
		if !fn(key, value) {
			return nil
		}
	}
	return iter.Err()
}

func (t *KernelTable[K, V]) Len() int {
	count := 0
	_ = t.Range(func(K, V) bool {
		count++
		return true
	})
	return count
}

func (t *KernelTable[K, V]) Close() error {
	return t.m.Close()
}
