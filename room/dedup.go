// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"hash"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup defaults.
const (
	DefaultDedupCapacity = 10000
	DefaultDedupShards   = 16
)

// DedupCache records message ids that have already been delivered.
type DedupCache interface {
	// Seen reports whether id was recorded before and records it if not.
	// Check and record are a single atomic step.
	Seen(id string) bool
	// Forget removes id so a later copy is processed again.
	Forget(id string)
	// Len returns the number of ids currently held.
	Len() int
}

// Hash pool for shard selection.
var hashPool = sync.Pool{
	New: func() any {
		return fnv.New32a()
	},
}

// LRUDedup is a DedupCache split into independently locked LRU shards so
// rooms served by different workers do not contend on one lock. When a
// shard is full its least recently seen id is evicted.
type LRUDedup struct {
	shards []*lru.Cache[string, time.Time]
	now    func() time.Time
}

var _ DedupCache = (*LRUDedup)(nil)

// NewLRUDedup creates a cache holding roughly capacity ids across shards.
func NewLRUDedup(capacity, shards int) (*LRUDedup, error) {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if shards <= 0 {
		shards = DefaultDedupShards
	}
	if shards > capacity {
		shards = capacity
	}

	per := (capacity + shards - 1) / shards
	d := &LRUDedup{
		shards: make([]*lru.Cache[string, time.Time], shards),
		now:    time.Now,
	}
	for i := range d.shards {
		c, err := lru.New[string, time.Time](per)
		if err != nil {
			return nil, err
		}
		d.shards[i] = c
	}
	return d, nil
}

func (d *LRUDedup) Seen(id string) bool {
	found, _ := d.shard(id).ContainsOrAdd(id, d.now())
	return found
}

func (d *LRUDedup) Forget(id string) {
	d.shard(id).Remove(id)
}

func (d *LRUDedup) Len() int {
	n := 0
	for _, s := range d.shards {
		n += s.Len()
	}
	return n
}

// FirstSeen returns when id was first recorded.
func (d *LRUDedup) FirstSeen(id string) (time.Time, bool) {
	return d.shard(id).Peek(id)
}

func (d *LRUDedup) shard(id string) *lru.Cache[string, time.Time] {
	if len(d.shards) == 1 {
		return d.shards[0]
	}

	hasher := hashPool.Get().(hash.Hash32)
	defer func() {
		hasher.Reset()
		hashPool.Put(hasher)
	}()

	hasher.Write([]byte(id))
	return d.shards[hasher.Sum32()%uint32(len(d.shards))]
}
