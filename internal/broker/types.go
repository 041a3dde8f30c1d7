package broker

import (
	"crypto/x509"
	"time"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

// Connection 协议层的一条网络连接，broker 只在接管、心跳超时和不变式破坏时关闭它
type Connection = session.Conn

type ConnectRequest struct {
	ClientID     string
	Username     *string
	Password     []byte
	ClientCert   *x509.Certificate
	CleanSession bool
	KeepAlive    time.Duration
	Will         *mqtt.Message
	Protocol     mqtt.ProtocolVersion
	Conn         Connection
}

type ConnectResult struct {
	ClientID       string           // 服务端分配客户端标识时与请求不同
	Assigned       bool
	SessionPresent bool
	Takeover       bool             // 同 client_id 的旧连接被踢下线
	Requeued       int              // 重新排队等待重发的 QoS 1 消息数
	Session        *session.Session
}

type ConnectOutcome int

const (
	ConnectAccepted ConnectOutcome = iota
	ConnectUnsupportedProtocol
	ConnectIdentifierRejected
	ConnectServerUnavailable
	ConnectBadCredentials
	ConnectNotAuthorized
)

func (o ConnectOutcome) String() string {
	switch o {
	case ConnectAccepted:
		return "accepted"
	case ConnectUnsupportedProtocol:
		return "unsupported_protocol"
	case ConnectIdentifierRejected:
		return "identifier_rejected"
	case ConnectServerUnavailable:
		return "server_unavailable"
	case ConnectBadCredentials:
		return "bad_credentials"
	case ConnectNotAuthorized:
		return "not_authorized"
	default:
		return "unknown"
	}
}

// Code 映射到 CONNACK 返回码(3.1.1)或原因码(5.0)
func (o ConnectOutcome) Code(version mqtt.ProtocolVersion) byte {
	if version == mqtt.ProtocolV5 {
		switch o {
		case ConnectAccepted:
			return 0x00
		case ConnectUnsupportedProtocol:
			return 0x84
		case ConnectIdentifierRejected:
			return 0x85
		case ConnectServerUnavailable:
			return 0x88
		case ConnectBadCredentials:
			return 0x86
		case ConnectNotAuthorized:
			return 0x87
		default:
			return 0x80
		}
	}
	switch o {
	case ConnectAccepted:
		return 0x00
	case ConnectUnsupportedProtocol:
		return 0x01
	case ConnectIdentifierRejected:
		return 0x02
	case ConnectServerUnavailable:
		return 0x03
	case ConnectBadCredentials:
		return 0x04
	default:
		return 0x05
	}
}

// SubscribeFailureCode SUBACK 中表示订阅失败的返回码
func SubscribeFailureCode(version mqtt.ProtocolVersion, err error) byte {
	if version != mqtt.ProtocolV5 {
		return 0x80
	}
	switch {
	case isACLDenied(err):
		return 0x87
	case isInvalidFilter(err):
		return 0x8F
	default:
		return 0x80
	}
}

// PublishReasonCode v5 PUBACK 原因码，ok 为 false 时 3.1.1 的 PUBACK 不携带原因
func PublishReasonCode(version mqtt.ProtocolVersion, outcome DeliveryOutcome) (code byte, ok bool) {
	if version != mqtt.ProtocolV5 {
		return 0, false
	}
	switch {
	case outcome.Denied:
		return 0x87, true
	case outcome.Matched == 0:
		return 0x10, true // No matching subscribers
	default:
		return 0x00, true
	}
}

// DeliveryOutcome 一次发布的投递结果
type DeliveryOutcome struct {
	Denied     bool
	Retained   bool
	Matched    int
	Delivered  int
	Queued     int  // 离线会话排队
	Dropped    int
	Bridged    bool
	Downgraded bool
}

type Stats struct {
	Sessions      int
	Connected     int
	Subscriptions int
	Retained      int
}
