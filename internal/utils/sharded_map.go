package utils

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const DefaultShardCount = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// ShardedMap 是以字符串为键的分片并发 map，不同分片上的操作互不阻塞
type ShardedMap[V any] struct {
	shards []*shard[V]
}

func NewShardedMap[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	m := &ShardedMap[V]{shards: make([]*shard[V], shardCount)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) shardFor(key string) *shard[V] {
	return m.shards[murmur3.Sum32([]byte(key))%uint32(len(m.shards))]
}

func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set 写入键值，返回被覆盖的旧值
func (m *ShardedMap[V]) Set(key string, value V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[key]
	s.items[key] = value
	return old, ok
}

func (m *ShardedMap[V]) Delete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return old, ok
}

// Update 在分片锁内对单个键做读改写。fn 返回 keep=false 时删除该键
func (m *ShardedMap[V]) Update(key string, fn func(current V, exists bool) (next V, keep bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.items[key]
	next, keep := fn(current, exists)
	if keep {
		s.items[key] = next
	} else if exists {
		delete(s.items, key)
	}
}

// Range 逐个分片遍历，fn 返回 false 时停止。遍历期间持有分片读锁，fn 内不得写入同一 map
func (m *ShardedMap[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

func (m *ShardedMap[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
