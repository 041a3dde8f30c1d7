package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

var ErrMalformedPacket = errors.New("packet: malformed packet")

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func malformed(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, v...))
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, malformed("invalid packet context length")
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, malformed("invalid reading length %d", length)
	}
	if length == 0 {
		return []byte{}, nil
	}
	startByte := payload.CurrentPtr
	end := startByte + length
	if end > payload.ContextLen {
		return nil, malformed("invalid packet context length")
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

func readUint16(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, err
	}
	return mqtt.ByteToUInt16(data), nil
}

// readPacketPayload 读取两字节长度前缀的字段
func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, malformed("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, malformed("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

// readVarInt 读取变长整数，用于 5.0 的属性长度
func readVarInt(payload *mqtt.Payload) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		b, err := readPacketByte(payload)
		if err != nil {
			return 0, err
		}
		value += int(b&127) * multiplier
		if b&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, malformed("variable byte integer exceeds 4 bytes")
}

// skipProperties 跳过 5.0 报文的属性段，broker 不使用任何属性
func skipProperties(payload *mqtt.Payload, version mqtt.ProtocolVersion) error {
	if version != mqtt.ProtocolV5 {
		return nil
	}
	length, err := readVarInt(payload)
	if err != nil {
		return err
	}
	if _, err := readPacketBytes(payload, length); err != nil {
		return malformed("properties length %d exceeds packet", length)
	}
	return nil
}

func appendString(buf []byte, data []byte) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(data)))...)
	return append(buf, data...)
}

// appendProperties 写入空属性段
func appendProperties(buf []byte, version mqtt.ProtocolVersion) []byte {
	if version == mqtt.ProtocolV5 {
		return append(buf, 0x00)
	}
	return buf
}
