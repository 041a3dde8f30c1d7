package packet

// 控制包类型 CONNECT / CONNACK

import (
	"time"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        byte
	WillMessageFlag bool
	CleanSession    bool
}

type ConnectPacketPayloads struct {
	ProtocolVersion    mqtt.ProtocolVersion
	ConnectFlag        ConnectPacketFlag
	ClientIdentifier   FieldPayload
	UsernamePayload    FieldPayload
	PasswordPayload    FieldPayload
	WillMessageTopic   FieldPayload
	WillMessageContent FieldPayload
	KeepAlive          int
}

func (c *ConnectPacketPayloads) ClientID() string {
	return string(c.ClientIdentifier.Payload)
}

func (c *ConnectPacketPayloads) Username() *string {
	if !c.ConnectFlag.UsernameFlag {
		return nil
	}
	username := string(c.UsernamePayload.Payload)
	return &username
}

func (c *ConnectPacketPayloads) Password() []byte {
	if !c.ConnectFlag.PasswordFlag {
		return nil
	}
	password := make([]byte, c.PasswordPayload.PayloadLength)
	copy(password, c.PasswordPayload.Payload)
	return password
}

func (c *ConnectPacketPayloads) KeepAliveDuration() time.Duration {
	return time.Duration(c.KeepAlive) * time.Second
}

// Will 遗嘱消息，未设置时返回 nil
func (c *ConnectPacketPayloads) Will() *mqtt.Message {
	if !c.ConnectFlag.WillMessageFlag {
		return nil
	}
	msg := &mqtt.Message{
		Topic:   string(c.WillMessageTopic.Payload),
		Payload: c.WillMessageContent.Payload,
		QoS:     mqtt.QoS(c.ConnectFlag.QoSLevel),
		Retain:  c.ConnectFlag.RemainFlag,
	}
	return msg.Clone()
}

const propertyAssignedClientID = 0x12

// NewConnectAckPacket 构造 CONNACK，code 为 3.1.1 返回码或 5.0 原因码
func NewConnectAckPacket(version mqtt.ProtocolVersion, sessionPresent bool, code byte) []byte {
	body := make([]byte, 0, 3)
	if sessionPresent {
		body = append(body, 0x01)
	} else {
		body = append(body, 0x00)
	}
	body = append(body, code)
	body = appendProperties(body, version)
	return mqtt.EncodePacket(mqtt.CONNACK, 0, body)
}

// NewAssignedConnectAckPacket 服务端分配了客户端标识时使用，v5 通过
// Assigned Client Identifier 属性告知客户端
func NewAssignedConnectAckPacket(version mqtt.ProtocolVersion, sessionPresent bool, clientID string) []byte {
	if version != mqtt.ProtocolV5 {
		return NewConnectAckPacket(version, sessionPresent, 0x00)
	}
	property := appendString([]byte{propertyAssignedClientID}, []byte(clientID))
	body := make([]byte, 0, 6+len(property))
	if sessionPresent {
		body = append(body, 0x01)
	} else {
		body = append(body, 0x00)
	}
	body = append(body, 0x00)
	body = append(body, mqtt.EncodeRemainingLength(len(property))...)
	body = append(body, property...)
	return mqtt.EncodePacket(mqtt.CONNACK, 0, body)
}

// ParseConnectPacket 解析 CONNECT 控制包的可变头和负载。
// 协议版本不受支持时同时返回应当回复的 CONNACK
func ParseConnectPacket(packet *mqtt.Packet) (*ConnectPacketPayloads, []byte, error) {
	payload := packet.Payload
	result := &ConnectPacketPayloads{}

	protocolString, err := readPacketPayload(payload)
	if err != nil {
		return result, nil, malformed("unable to read protocol string")
	}
	if string(protocolString.Payload) != "MQTT" {
		return result, nil, malformed("incorrect protocol string: %s", string(protocolString.Payload))
	}

	// 协议版本
	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return result, nil, malformed("unable to read protocol version")
	}
	result.ProtocolVersion = mqtt.ProtocolVersion(protocolVersion)
	switch result.ProtocolVersion {
	case mqtt.ProtocolV311, mqtt.ProtocolV5:
	default:
		return result, NewConnectAckPacket(mqtt.ProtocolV311, false, 0x01),
			malformed("unsupported protocol version %d", protocolVersion)
	}

	// 连接标志位
	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return result, nil, malformed("unable to read connect flags")
	}
	if connectFlag&0x01 != 0 {
		return result, nil, malformed("reserved connect flag must be 0")
	}
	result.ConnectFlag = ConnectPacketFlag{
		UsernameFlag:    (connectFlag&0x80)>>7 == 1,
		PasswordFlag:    (connectFlag&0x40)>>6 == 1,
		RemainFlag:      (connectFlag&0x20)>>5 == 1,
		QoSLevel:        (connectFlag & 0x18) >> 3, // 0x18 = 00011000
		WillMessageFlag: (connectFlag&0x04)>>2 == 1,
		CleanSession:    (connectFlag&0x02)>>1 == 1,
	}
	flags := result.ConnectFlag
	if !flags.WillMessageFlag && (flags.RemainFlag || flags.QoSLevel != 0) {
		return result, nil, malformed("will retain and will qos must be 0 without will flag")
	}
	if flags.QoSLevel > 2 {
		return result, nil, malformed("will qos must not be 3")
	}
	if result.ProtocolVersion == mqtt.ProtocolV311 && flags.PasswordFlag && !flags.UsernameFlag {
		return result, nil, malformed("password flag set without username flag")
	}

	// Keep Alive Time
	keepAlive, err := readUint16(payload)
	if err != nil {
		return result, nil, malformed("unable to read keep alive time")
	}
	result.KeepAlive = int(keepAlive)

	if err := skipProperties(payload, result.ProtocolVersion); err != nil {
		return result, nil, err
	}

	// Client ID
	if result.ClientIdentifier, err = readPacketPayload(payload); err != nil {
		return result, nil, malformed("client id: %v", err)
	}

	// Will Message
	if flags.WillMessageFlag {
		if err := skipProperties(payload, result.ProtocolVersion); err != nil {
			return result, nil, err
		}
		if result.WillMessageTopic, err = readPacketPayload(payload); err != nil {
			return result, nil, malformed("will topic: %v", err)
		}
		if result.WillMessageContent, err = readPacketPayload(payload); err != nil {
			return result, nil, malformed("will content: %v", err)
		}
	}

	if flags.UsernameFlag {
		if result.UsernamePayload, err = readPacketPayload(payload); err != nil {
			return result, nil, malformed("username: %v", err)
		}
	}
	if flags.PasswordFlag {
		if result.PasswordPayload, err = readPacketPayload(payload); err != nil {
			return result, nil, malformed("password: %v", err)
		}
	}
	if payload.CheckRemainingLength() {
		return result, nil, malformed("%d trailing bytes", payload.ContextLen-payload.CurrentPtr)
	}

	return result, nil, nil
}
