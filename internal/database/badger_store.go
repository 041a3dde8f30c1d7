package database

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

const (
	sessionPrefix  = "session/"
	retainedPrefix = "retained/"
	aclPrefix      = "acl/"
)

type BadgerOptions struct {
	Dir      string
	InMemory bool   // 仅内存模式，测试使用
}

// BadgerStore 嵌入式持久化，值使用 msgpack 编码
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("database: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("database: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (bs *BadgerStore) put(key string, value any) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("database: encode %s: %w", key, err)
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (bs *BadgerStore) delete(key string) error {
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// scan 按键序遍历前缀下的全部值
func (bs *BadgerStore) scan(ctx context.Context, prefix string, fn func(value []byte) error) error {
	return bs.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(prefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(iterOpts.Prefix); it.ValidForPrefix(iterOpts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bs *BadgerStore) SaveSession(_ context.Context, record *session.Record) error {
	if record.ClientID == "" {
		return ErrClientIDEmpty
	}
	return bs.put(sessionPrefix+record.ClientID, record)
}

func (bs *BadgerStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	return bs.delete(sessionPrefix + clientID)
}

func (bs *BadgerStore) LoadSessions(ctx context.Context) ([]*session.Record, error) {
	var records []*session.Record
	err := bs.scan(ctx, sessionPrefix, func(value []byte) error {
		var record session.Record
		if err := msgpack.Unmarshal(value, &record); err != nil {
			return err
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("database: load sessions: %w", err)
	}
	return records, nil
}

func (bs *BadgerStore) SaveRetained(_ context.Context, msg *retained.Message) error {
	if msg.Topic == "" {
		return ErrTopicEmpty
	}
	return bs.put(retainedPrefix+msg.Topic, msg)
}

func (bs *BadgerStore) DeleteRetained(_ context.Context, topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	return bs.delete(retainedPrefix + topic)
}

func (bs *BadgerStore) LoadRetained(ctx context.Context) ([]*retained.Message, error) {
	var messages []*retained.Message
	err := bs.scan(ctx, retainedPrefix, func(value []byte) error {
		var msg retained.Message
		if err := msgpack.Unmarshal(value, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("database: load retained messages: %w", err)
	}
	return messages, nil
}

// ReplaceACLRules 用新的规则集整体替换已保存的规则，保持给定顺序
func (bs *BadgerStore) ReplaceACLRules(ctx context.Context, rules []acl.Rule) error {
	var keys [][]byte
	err := bs.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(aclPrefix)
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(iterOpts.Prefix); it.ValidForPrefix(iterOpts.Prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := bs.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	for i, rule := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := msgpack.Marshal(rule)
		if err != nil {
			return fmt.Errorf("database: encode acl rule #%d: %w", i+1, err)
		}
		if err := wb.Set([]byte(fmt.Sprintf("%s%08d", aclPrefix, i)), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (bs *BadgerStore) LoadACLRules(ctx context.Context) ([]acl.Rule, error) {
	var rules []acl.Rule
	err := bs.scan(ctx, aclPrefix, func(value []byte) error {
		var rule acl.Rule
		if err := msgpack.Unmarshal(value, &rule); err != nil {
			return err
		}
		rules = append(rules, rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("database: load acl rules: %w", err)
	}
	return rules, nil
}

func (bs *BadgerStore) Close(_ context.Context) error {
	logger.InfoF("Closing badger store")
	return bs.db.Close()
}

// badgerLogger 把 badger 的警告和错误转到 broker 日志，忽略 info/debug
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { logger.ErrorF("[badger] "+f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { logger.WarnF("[badger] "+f, v...) }
func (badgerLogger) Infof(string, ...interface{})        {}
func (badgerLogger) Debugf(string, ...interface{})       {}
