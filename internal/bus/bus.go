// Package bus 是进程内的有界事件总线，代表外部事件总线：
// broker 每条被接受的发布消息写入一次，桥接任务和归档消费者从中读取
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

const SourceMQTT = "mqtt"

var ErrClosed = errors.New("bus: closed")

type Metadata struct {
	MessageID string
	Source    string    // 消息来源，"mqtt" 表示来自 broker 自身
	ClientID  string
	QoS       byte
	Retain    bool
	Timestamp time.Time
}

type Message struct {
	Topic    string
	Payload  []byte
	Metadata Metadata
}

// Subscription 一个具名消费者
type Subscription struct {
	Name string
	ch   chan Message
}

func (s *Subscription) C() <-chan Message {
	return s.ch
}

type Bus struct {
	mu       sync.RWMutex
	closed   bool
	capacity int
	subs     []*Subscription
	done     chan struct{}
	once     sync.Once
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{capacity: capacity, done: make(chan struct{})}
}

// Subscribe 注册消费者，buffer <= 0 时使用总线默认容量
func (b *Bus) Subscribe(name string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = b.capacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{Name: name, ch: make(chan Message, buffer)}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Publish 投递给所有消费者。某个消费者队列已满时阻塞等待，直到 ctx 结束
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// Close 关闭总线和所有消费者通道，消费者读完剩余消息后退出
func (b *Bus) Close() error {
	b.once.Do(func() {
		// 先关闭 done，让阻塞中的 Publish 释放读锁
		close(b.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
	})
	return nil
}

type CloseCallback struct {
	bus *Bus
}

func NewCloseCallback(b *Bus) *CloseCallback {
	return &CloseCallback{bus: b}
}

func (c *CloseCallback) Invoke(_ context.Context) error {
	return c.bus.Close()
}
