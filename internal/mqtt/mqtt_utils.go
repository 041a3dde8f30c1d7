package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrRemainingLength = errors.New("mqtt: the remaining length exceeds the 4 byte limit")
	ErrPacketTooLarge  = errors.New("mqtt: packet too large")
	ErrInvalidFlags    = errors.New("mqtt: invalid fixed header flags")
)

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return binary.BigEndian.Uint16(bytes)
}

func ReadByte(r io.Reader) (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadPacket 读取一个完整的控制报文，maxSize <= 0 表示不限制剩余长度
func ReadPacket(r io.Reader, maxSize int) (*Packet, error) {
	// 读取固定头
	typeAndFlags := make([]byte, 1)
	if _, err := io.ReadFull(r, typeAndFlags); err != nil {
		return nil, err
	}

	// 解析剩余长度
	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, maxSize)
	}

	// 读取可变头+有效载荷
	payload := make([]byte, remaining)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	header := &FixedHeader{
		Type:            PacketType(typeAndFlags[0] >> 4),
		Flags:           typeAndFlags[0] & 0x0F,
		RemainingLength: remaining,
	}

	if _, known := PacketTypeMap[header.Type]; !known {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrInvalidFlags, header.Type)
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("%w: flags %d of %s packet", ErrInvalidFlags, header.Flags, header.Type.String())
	}

	return &Packet{
		Header: header,
		Payload: &Payload{
			Context:    payload,
			ContextLen: len(payload),
			CurrentPtr: 0,
		},
	}, nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingLength
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0x00}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

// EncodePacket 拼接固定头与剩余部分
func EncodePacket(packetType PacketType, flags byte, body []byte) []byte {
	packet := make([]byte, 0, len(body)+5)
	packet = append(packet, byte(packetType)<<4|flags&0x0F)
	packet = append(packet, EncodeRemainingLength(len(body))...)
	return append(packet, body...)
}

func ValidateFlags(pt PacketType, flags byte) bool {
	allowed := allowedFlags[pt]
	if pt == PUBREL || pt == SUBSCRIBE || pt == UNSUBSCRIBE {
		// 这三类报文的标志位是固定值而非上限
		return flags == allowed
	}
	// 检查标志位是否在允许范围内
	return (flags & ^allowed) == 0
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}
