package utils

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// ShardedMap 按 key 哈希分片的并发安全 map，不同分片之间互不阻塞
type ShardedMap[V any] struct {
	shards []*shard[V]
}

// NewShardedMap 创建分片 map，shardCount <= 0 时使用默认分片数
func NewShardedMap[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	m := &ShardedMap[V]{shards: make([]*shard[V], shardCount)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get 读取 key 对应的值
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set 写入或覆盖
func (m *ShardedMap[V]) Set(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// GetOrCreate 不存在时调用 create 创建并写入，返回值以及是否为新建
func (m *ShardedMap[V]) GetOrCreate(key string, create func() V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, false
	}
	v := create()
	s.items[key] = v
	return v, true
}

// Update 在分片锁内读改写，fn 返回 keep=false 时删除该 key
func (m *ShardedMap[V]) Update(key string, fn func(old V, exists bool) (V, bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[key]
	v, keep := fn(old, ok)
	if keep {
		s.items[key] = v
	} else if ok {
		delete(s.items, key)
	}
}

// Delete 删除 key，返回被删除的值
func (m *ShardedMap[V]) Delete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// CompareAndDelete 仅当 match 返回 true 时删除
func (m *ShardedMap[V]) CompareAndDelete(key string, match func(V) bool) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok || !match(v) {
		return false
	}
	delete(s.items, key)
	return true
}

// Len 所有分片的元素总数
func (m *ShardedMap[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Range 遍历快照，fn 返回 false 时停止。遍历期间不持有锁，fn 内可以安全地修改 map
func (m *ShardedMap[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		keys := make([]string, 0, len(s.items))
		values := make([]V, 0, len(s.items))
		for k, v := range s.items {
			keys = append(keys, k)
			values = append(values, v)
		}
		s.mu.RUnlock()

		for i := range keys {
			if !fn(keys[i], values[i]) {
				return
			}
		}
	}
}

// Keys 返回所有 key
func (m *ShardedMap[V]) Keys() []string {
	var keys []string
	m.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Clear 清空所有分片
func (m *ShardedMap[V]) Clear() {
	for _, s := range m.shards {
		s.mu.Lock()
		s.items = make(map[string]V)
		s.mu.Unlock()
	}
}
