package packet

import (
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

type PublishPacketFlag struct {
	RetryFlag bool
	QoS       byte
	Retain    bool
}

type PublishPacketPayloads struct {
	PacketFlag PublishPacketFlag
	TopicName  FieldPayload
	PacketID   uint16
	Payload    []byte
}

// Message 转换为 broker 内部消息，负载会被复制
func (p *PublishPacketPayloads) Message() *mqtt.Message {
	msg := &mqtt.Message{
		Topic:   string(p.TopicName.Payload),
		Payload: p.Payload,
		QoS:     mqtt.QoS(p.PacketFlag.QoS),
		Retain:  p.PacketFlag.Retain,
	}
	return msg.Clone()
}

// NewPublishPacket 构造发往订阅者的 PUBLISH，QoS 0 时忽略 packetID
func NewPublishPacket(version mqtt.ProtocolVersion, packetID uint16, msg *mqtt.Message, dup bool) []byte {
	var flags byte
	if dup && msg.QoS > mqtt.AtMostOnce {
		flags |= 0x08
	}
	flags |= byte(msg.QoS) << 1
	if msg.Retain {
		flags |= 0x01
	}
	body := make([]byte, 0, len(msg.Topic)+len(msg.Payload)+5)
	body = appendString(body, []byte(msg.Topic))
	if msg.QoS > mqtt.AtMostOnce {
		body = append(body, mqtt.UInt16ToByte(packetID)...)
	}
	body = appendProperties(body, version)
	body = append(body, msg.Payload...)
	return mqtt.EncodePacket(mqtt.PUBLISH, flags, body)
}

func ParsePublishPacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*PublishPacketPayloads, error) {
	result := &PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{
			RetryFlag: (packet.Header.Flags&0x08)>>3 == 1,
			QoS:       (packet.Header.Flags & 0x06) >> 1,
			Retain:    packet.Header.Flags&0x01 == 1,
		},
	}

	if result.PacketFlag.QoS == 0 && result.PacketFlag.RetryFlag {
		return result, malformed("when QoS Level set to 0, retry flag must be set to 0 either")
	}
	if result.PacketFlag.QoS == 3 {
		return result, malformed("the QoS Level must not set to 3")
	}

	topicName, err := readPacketPayload(packet.Payload)
	if err != nil {
		return result, malformed("error occurred when reading topic name, details: %v", err)
	}
	result.TopicName = topicName

	if result.PacketFlag.QoS > 0 {
		if result.PacketID, err = readUint16(packet.Payload); err != nil {
			return result, malformed("error occurred when reading packet ID, details: %v", err)
		}
		if result.PacketID == 0 {
			return result, malformed("packet ID must not be 0")
		}
	}

	if err := skipProperties(packet.Payload, version); err != nil {
		return result, err
	}

	payload, err := readPacketBytes(packet.Payload, packet.Payload.ContextLen-packet.Payload.CurrentPtr)
	if err != nil {
		return result, malformed("error occurred when reading payload, details: %v", err)
	}
	result.Payload = payload

	return result, nil
}

// NewAckPacket 构造 PUBACK / PUBREC / PUBREL / PUBCOMP。
// 5.0 下原因码为 0 时省略
func NewAckPacket(version mqtt.ProtocolVersion, packetType mqtt.PacketType, packetID uint16, reason byte) []byte {
	var flags byte
	if packetType == mqtt.PUBREL {
		flags = 0x02
	}
	body := mqtt.UInt16ToByte(packetID)
	if version == mqtt.ProtocolV5 && reason != 0x00 {
		body = append(body, reason)
	}
	return mqtt.EncodePacket(packetType, flags, body)
}

// ParseAckPacket 解析 PUBACK / PUBREC / PUBREL / PUBCOMP，返回报文标识符和原因码
func ParseAckPacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (uint16, byte, error) {
	packetID, err := readUint16(packet.Payload)
	if err != nil {
		return 0, 0, malformed("error occurred when reading packet ID, details: %v", err)
	}
	var reason byte
	if version == mqtt.ProtocolV5 && packet.Payload.CheckRemainingLength() {
		if reason, err = readPacketByte(packet.Payload); err != nil {
			return 0, 0, err
		}
		if packet.Payload.CheckRemainingLength() {
			if err := skipProperties(packet.Payload, version); err != nil {
				return 0, 0, err
			}
		}
	}
	if packet.Payload.CheckRemainingLength() {
		return 0, 0, malformed("unexpected bytes after %s packet", packet.Header.Type)
	}
	return packetID, reason, nil
}
