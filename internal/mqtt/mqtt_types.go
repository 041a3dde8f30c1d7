// Package mqtt 实现了MQTT协议的核心类型定义和常量
package mqtt

import "fmt"

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

// MQTT 控制报文类型常量定义
const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2第一步）
	PUBREL                            // 发布释放（QoS 2第二步）
	PUBCOMP                           // 发布完成（QoS 2第三步）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
	AUTH                              // 认证交换（仅 v5）
)

// PacketTypeMap 将PacketType映射到其字符串表示
var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
	AUTH:        "AUTH",
}

// String 返回PacketType的字符串表示
func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(packetType))
}

// allowedFlags 定义了每种报文类型允许的标志位组合
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00, // 0000
	CONNACK:     0x00, // 0000
	PUBLISH:     0x0F, // 1111（允许所有标志位组合）
	PUBACK:      0x00, // 0000
	PUBREC:      0x00, // 0000
	PUBREL:      0x02, // 0010
	PUBCOMP:     0x00, // 0000
	SUBSCRIBE:   0x02, // 0010
	SUBACK:      0x00, // 0000
	UNSUBSCRIBE: 0x02, // 0010
	UNSUBACK:    0x00, // 0000
	PINGREQ:     0x00, // 0000
	PINGRESP:    0x00, // 0000
	DISCONNECT:  0x00, // 0000
	AUTH:        0x00, // 0000
}

// FixedHeader 定义了MQTT固定头部结构
type FixedHeader struct {
	Type            PacketType // 报文类型
	Flags           byte       // 标志位
	RemainingLength int        // 剩余长度
}

// Payload 定义了MQTT报文负载结构
type Payload struct {
	Context    []byte // 负载内容
	ContextLen int    // 负载长度
	CurrentPtr int    // 当前读取位置
}

// Packet 定义了完整的MQTT报文结构
type Packet struct {
	Header  *FixedHeader // 固定头部
	Payload *Payload     // 可变头部和有效载荷
}

// QoS 服务质量等级
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Valid 报告 QoS 是否为协议允许的取值
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// MinQoS 返回两个等级中较低的一个
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// ProtocolVersion 协议版本，作为 broker 调用时携带的协议上下文
type ProtocolVersion byte

const (
	ProtocolV311 ProtocolVersion = 4
	ProtocolV5   ProtocolVersion = 5
)

func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolV311:
		return "MQTT 3.1.1"
	case ProtocolV5:
		return "MQTT 5.0"
	default:
		return fmt.Sprintf("MQTT(level=%d)", byte(v))
	}
}

// Message 是在 broker 内部流转的应用消息
type Message struct {
	Topic   string `bson:"topic" msgpack:"topic"`
	Payload []byte `bson:"payload" msgpack:"payload"`
	QoS     QoS    `bson:"qos" msgpack:"qos"`
	Retain  bool   `bson:"retain" msgpack:"retain"`
}

// Clone 深拷贝消息，避免多个订阅者共享同一负载切片
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	return &Message{Topic: m.Topic, Payload: payload, QoS: m.QoS, Retain: m.Retain}
}
