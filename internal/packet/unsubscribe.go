package packet

import (
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

type UnSubscribePacketPayloads struct {
	PacketID uint16
	Filters  []string
}

// NewUnSubAckPacket 3.1.1 的 UNSUBACK 没有负载，5.0 每个过滤器带一个原因码
func NewUnSubAckPacket(version mqtt.ProtocolVersion, packetID uint16, count int) []byte {
	body := mqtt.UInt16ToByte(packetID)
	if version == mqtt.ProtocolV5 {
		body = appendProperties(body, version)
		body = append(body, make([]byte, count)...)
	}
	return mqtt.EncodePacket(mqtt.UNSUBACK, 0, body)
}

func ParseUnSubscribePacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (*UnSubscribePacketPayloads, error) {
	result := &UnSubscribePacketPayloads{}

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
		result.Filters = append(result.Filters, string(topicFilter.Payload))
	}
	if len(result.Filters) == 0 {
		return result, malformed("UNSUBSCRIBE packet without topic filters")
	}

	return result, nil
}
