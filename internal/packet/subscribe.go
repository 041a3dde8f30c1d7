package packet

import (
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

type TopicSubscription struct {
	Filter string
	QoS    mqtt.QoS
}

type SubscribePacketPayloads struct {
	PacketID      uint16
	Subscriptions []TopicSubscription
}

// NewSubAckPacket codes 与 SUBSCRIBE 中的订阅一一对应
func NewSubAckPacket(version mqtt.ProtocolVersion, packetID uint16, codes []byte) []byte {
	body := make([]byte, 0, 3+len(codes))
	body = append(body, mqtt.UInt16ToByte(packetID)...)
	body = appendProperties(body, version)
	body = append(body, codes...)
	return mqtt.EncodePacket(mqtt.SUBACK, 0, body)
}

func ParseSubscribePacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*SubscribePacketPayloads, error) {
	result := &SubscribePacketPayloads{}

	packetID, err := readUint16(packet.Payload)
	if err != nil {
		return result, malformed("error occurred when reading packet ID, details: %v", err)
	}
	result.PacketID = packetID

	if err := skipProperties(packet.Payload, version); err != nil {
		return result, err
	}

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketPayload(packet.Payload)
		if err != nil {
			return result, malformed("error occurred when reading topic filter, details: %v", err)
		}
		options, err := readPacketByte(packet.Payload)
		if err != nil {
			return result, malformed("error occurred when reading qos level, details: %v", err)
		}
		// 3.1.1 只有低两位有效；5.0 的 No Local / Retain As Published / Retain Handling 被忽略
		reserved := byte(0xFC)
		if version == mqtt.ProtocolV5 {
			reserved = 0xC0
		}
		if options&reserved != 0 {
			return result, malformed("reserved subscription option bits set")
		}
		qos := mqtt.QoS(options & 0x03)
		if !qos.Valid() {
			return result, malformed("the QoS Level must not set to 3")
		}
		result.Subscriptions = append(result.Subscriptions, TopicSubscription{
			Filter: string(topicFilter.Payload),
			QoS:    qos,
		})
	}
	if len(result.Subscriptions) == 0 {
		return result, malformed("SUBSCRIBE packet without topic filters")
	}

	return result, nil
}
