// Package retained 保存每个主题最后一条保留消息
package retained

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/subscription"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/utils"
)

type Message struct {
	Topic     string    `bson:"_id" msgpack:"topic"`
	Payload   []byte    `bson:"payload" msgpack:"payload"`
	QoS       mqtt.QoS  `bson:"qos" msgpack:"qos"`
	CreatedAt time.Time `bson:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" msgpack:"updated_at"`
}

// ToMessage 转换为回放给订阅者的消息，回放时总是带 Retain 标志
func (m *Message) ToMessage() *mqtt.Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	return &mqtt.Message{Topic: m.Topic, Payload: payload, QoS: m.QoS, Retain: true}
}

type Store struct {
	clock    clock.Clock
	messages *utils.ShardedMap[*Message]
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:    clk,
		messages: utils.NewShardedMap[*Message](utils.DefaultShardCount),
	}
}

// Set 保存或替换主题的保留消息，空负载表示删除。
// 返回写入后的记录，删除时返回 nil
func (s *Store) Set(topic string, payload []byte, qos mqtt.QoS) *Message {
	var stored *Message
	s.messages.Update(topic, func(current *Message, exists bool) (*Message, bool) {
		if len(payload) == 0 {
			return nil, false
		}
		now := s.clock.Now()
		createdAt := now
		if exists {
			createdAt = current.CreatedAt
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		stored = &Message{Topic: topic, Payload: data, QoS: qos, CreatedAt: createdAt, UpdatedAt: now}
		return stored, true
	})
	return stored
}

func (s *Store) Get(topic string) (*Message, bool) {
	return s.messages.Get(topic)
}

func (s *Store) Delete(topic string) bool {
	_, ok := s.messages.Delete(topic)
	return ok
}

// GetMatching 返回与过滤器匹配的全部保留消息，按主题排序
func (s *Store) GetMatching(filter string) []*Message {
	var result []*Message
	s.messages.Range(func(topic string, msg *Message) bool {
		if subscription.Matches(filter, topic) {
			result = append(result, msg)
		}
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

// All 返回全部保留消息，包括 $ 开头的主题
func (s *Store) All() []*Message {
	result := make([]*Message, 0, s.messages.Len())
	s.messages.Range(func(_ string, msg *Message) bool {
		result = append(result, msg)
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

func (s *Store) Count() int {
	return s.messages.Len()
}

// Load 从持久化层恢复记录，保留原有时间戳
func (s *Store) Load(messages []*Message) {
	for _, msg := range messages {
		if msg == nil || len(msg.Payload) == 0 {
			continue
		}
		s.messages.Set(msg.Topic, msg)
	}
}
