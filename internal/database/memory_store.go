package database

import (
	"context"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

// MemoryStore 进程内存储，用于测试和关闭持久化的部署
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Record
	retained map[string]*retained.Message
	rules    []acl.Rule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Record),
		retained: make(map[string]*retained.Message),
	}
}

func (ms *MemoryStore) SaveSession(_ context.Context, record *session.Record) error {
	if record.ClientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[record.ClientID] = record
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	return nil
}

func (ms *MemoryStore) GetSession(clientID string) (*session.Record, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	record, ok := ms.sessions[clientID]
	return record, ok
}

func (ms *MemoryStore) LoadSessions(_ context.Context) ([]*session.Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*session.Record, 0, len(ms.sessions))
	for _, record := range ms.sessions {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (ms *MemoryStore) SaveRetained(_ context.Context, msg *retained.Message) error {
	if msg.Topic == "" {
		return ErrTopicEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.retained[msg.Topic] = msg
	return nil
}

func (ms *MemoryStore) DeleteRetained(_ context.Context, topic string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.retained, topic)
	return nil
}

func (ms *MemoryStore) LoadRetained(_ context.Context) ([]*retained.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*retained.Message, 0, len(ms.retained))
	for _, msg := range ms.retained {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (ms *MemoryStore) SetACLRules(rules []acl.Rule) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.rules = append([]acl.Rule(nil), rules...)
}

func (ms *MemoryStore) LoadACLRules(_ context.Context) ([]acl.Rule, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]acl.Rule(nil), ms.rules...), nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}
