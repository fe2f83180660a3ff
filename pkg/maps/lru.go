package maps

import (
	"encoding/binary"
	"fmt"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

/*
	Sharded lru table standing in for a kernel LRU hash map.
	Every shard is an independently locked lru.Cache so hooks running on different
	cores only contend when their keys land in the same shard. No operation spans
	more than one shard, each call is atomic for its key.
*/

type LRUTable[K comparable, V any] struct {
	name   string
	shards []*lru.Cache[K, V]
	hash   func(K) uint64
}

func NewLRUTable[K comparable, V any](name string, capacity, shards int, hash func(K) uint64) (*LRUTable[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("table %s: capacity must be positive", name)
	}
	if shards <= 0 || shards > capacity {
		shards = 1
	}
	perShard := (capacity + shards - 1) / shards

	t := &LRUTable[K, V]{
		name:   name,
		shards: make([]*lru.Cache[K, V], shards),
		hash:   hash,
	}
	for i := range t.shards {
		cache, err := lru.New[K, V](perShard)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		t.shards[i] = cache
	}
	return t, nil
}

func (t *LRUTable[K, V]) Name() string { return t.name }

func (t *LRUTable[K, V]) shard(key K) *lru.Cache[K, V] {
	if len(t.shards) == 1 {
		return t.shards[0]
	}
	return t.shards[t.hash(key)%uint64(len(t.shards))]
}

func (t *LRUTable[K, V]) Lookup(key K) (V, bool) {
	return t.shard(key).Get(key)
}

func (t *LRUTable[K, V]) Update(key K, value V, flag UpdateFlag) error {
	var evicted bool
	switch flag {
	case UpdateAny:
		evicted = t.shard(key).Add(key, value)
	case UpdateNoExist:
		var found bool
		found, evicted = t.shard(key).ContainsOrAdd(key, value)
		if found {
			return ErrKeyExist
		}
	default:
		return fmt.Errorf("table %s: unsupported update flag %d", t.name, flag)
	}

	if evicted {
		events.ExportMeshEvent(events.TableEvictionEvent{Table: t.name})
	}
	return nil
}

func (t *LRUTable[K, V]) Delete(key K) error {
	if !t.shard(key).Remove(key) {
		return ErrKeyNotExist
	}
	return nil
}

func (t *LRUTable[K, V]) Range(fn func(key K, value V) bool) error {
	for _, shard := range t.shards {
		for _, key := range shard.Keys() {
			value, ok := shard.Peek(key)
			if !ok {
				continue
			}
			if !fn(key, value) {
				return nil
			}
		}
	}
	return nil
}

func (t *LRUTable[K, V]) Len() int {
	total := 0
	for _, shard := range t.shards {
		total += shard.Len()
	}
	return total
}

// shard hashes for the key types used by Tables

func HashUint64(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return xxhash.Sum64(buf[:])
}

func HashUint32(key uint32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], key)
	return xxhash.Sum64(buf[:])
}

func HashIPKey(key IPKey) uint64 {
	return xxhash.Sum64(key[:])
}

func HashPair(key Pair) uint64 {
	buf, _ := key.MarshalBinary()
	return xxhash.Sum64(buf)
}
