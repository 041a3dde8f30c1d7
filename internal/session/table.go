package session

import "github.com/life-stream-dev/life-stream-iot-broker/internal/utils"

// Table 按 client_id 分片的会话表，同一 client_id 最多对应一个会话
type Table struct {
	sessions *utils.ShardedMap[*Session]
}

func NewTable() *Table {
	return &Table{sessions: utils.NewShardedMap[*Session](utils.DefaultShardCount)}
}

func (t *Table) Get(clientID string) (*Session, bool) {
	return t.sessions.Get(clientID)
}

// Put 写入会话，返回被替换的旧会话
func (t *Table) Put(s *Session) (*Session, bool) {
	return t.sessions.Set(s.ClientID, s)
}

// CompareAndDelete 仅当表中仍是该会话时删除
func (t *Table) CompareAndDelete(s *Session) bool {
	deleted := false
	t.sessions.Update(s.ClientID, func(current *Session, exists bool) (*Session, bool) {
		if exists && current == s {
			deleted = true
			return nil, false
		}
		return current, exists
	})
	return deleted
}

// Snapshot 返回当前全部会话，遍历结束后再处理可避免持有分片锁
func (t *Table) Snapshot() []*Session {
	out := make([]*Session, 0, t.sessions.Len())
	t.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

func (t *Table) Len() int {
	return t.sessions.Len()
}
