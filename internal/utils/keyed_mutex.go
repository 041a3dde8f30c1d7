package utils

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// KeyedMutex 按键分条的互斥锁，同一个键的操作串行，不同键大概率互不阻塞
type KeyedMutex struct {
	stripes []sync.Mutex
}

func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = 256
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock 锁住 key 所在的分条，返回解锁函数
func (k *KeyedMutex) Lock(key string) func() {
	mu := &k.stripes[murmur3.Sum32([]byte(key))%uint32(len(k.stripes))]
	mu.Lock()
	return mu.Unlock
}
