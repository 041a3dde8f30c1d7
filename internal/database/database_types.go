package database

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

const (
	SessionCollectionName  = "sessions"
	RetainedCollectionName = "retained_messages"
	ACLRuleCollectionName  = "acl_rules"
)

var (
	ErrClientIDEmpty = errors.New("database: client_id is empty")
	ErrTopicEmpty    = errors.New("database: topic is empty")
)

// Store 会话表与保留消息的持久化镜像，键分别为 client_id 和 topic
type Store interface {
	SaveSession(ctx context.Context, record *session.Record) error
	DeleteSession(ctx context.Context, clientID string) error
	LoadSessions(ctx context.Context) ([]*session.Record, error)

	SaveRetained(ctx context.Context, msg *retained.Message) error
	DeleteRetained(ctx context.Context, topic string) error
	LoadRetained(ctx context.Context) ([]*retained.Message, error)

	LoadACLRules(ctx context.Context) ([]acl.Rule, error)

	Close(ctx context.Context) error
}

// CloseCallback 在关闭流程中关闭存储
type CloseCallback struct {
	store Store
}

func NewCloseCallback(store Store) *CloseCallback {
	return &CloseCallback{store: store}
}

func (dc *CloseCallback) Invoke(ctx context.Context) error {
	return dc.store.Close(ctx)
}
