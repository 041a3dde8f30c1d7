package packet

import (
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

// 5.0 DISCONNECT 原因码
const (
	ReasonNormalDisconnection  byte = 0x00
	ReasonDisconnectWithWill   byte = 0x04
	ReasonServerShuttingDown   byte = 0x8B
	ReasonKeepAliveTimeout     byte = 0x8D
	ReasonSessionTakenOver     byte = 0x8E
	ReasonProtocolError        byte = 0x82
	ReasonImplementationError  byte = 0x83
	ReasonNotAuthorized        byte = 0x87
	ReasonMalformedPacket      byte = 0x81
	ReasonPacketIDNotFound     byte = 0x92
	ReasonNoMatchingSubscriber byte = 0x10
)

func NewPingRespPacket() []byte {
	return []byte{0xD0, 0x00}
}

// ParseDisconnectPacket 返回 5.0 原因码，3.1.1 总是正常断开
func ParseDisconnectPacket(packet *mqtt.Packet, version mqtt.ProtocolVersion) (byte, error) {
	if version != mqtt.ProtocolV5 || !packet.Payload.CheckRemainingLength() {
		if packet.Payload.CheckRemainingLength() {
			return 0, malformed("DISCONNECT packet must be empty")
		}
		return ReasonNormalDisconnection, nil
	}
	reason, err := readPacketByte(packet.Payload)
	if err != nil {
		return 0, err
	}
	if packet.Payload.CheckRemainingLength() {
		if err := skipProperties(packet.Payload, version); err != nil {
			return 0, err
		}
	}
	return reason, nil
}

// NewDisconnectPacket 服务端主动断开时发送，3.1.1 没有服务端 DISCONNECT，返回 nil
func NewDisconnectPacket(version mqtt.ProtocolVersion, reason byte) []byte {
	if version != mqtt.ProtocolV5 {
		return nil
	}
	return mqtt.EncodePacket(mqtt.DISCONNECT, 0, []byte{reason, 0x00})
}
