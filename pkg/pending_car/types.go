// Package pending_car 实现单次车辆连接的编排状态机
// 一个PendingCar拥有一次连接尝试的完整生命周期：版本协商、
// 首次配对或续连认证、凭据落盘，最终把已建立密钥的消息流交给调用方
// 每次尝试由独立的事件循环goroutine串行处理，互不共享可变状态
package pending_car

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/junbin-yang/carlink-go/pkg/handshake"
	"github.com/junbin-yang/carlink-go/pkg/stream"
)

// Mode 连接模式
type Mode int

const (
	ModeAssociating  Mode = iota // 首次配对
	ModeReconnecting             // 已配对设备续连
)

// String 模式名称
func (m Mode) String() string {
	switch m {
	case ModeAssociating:
		return "Associating"
	case ModeReconnecting:
		return "Reconnecting"
	default:
		return "?"
	}
}

// Reason 连接失败的分类
type Reason int

const (
	ReasonUnknown           Reason = iota
	ReasonTransportFault           // 链路故障（连接失败、发送失败、意外断开）
	ReasonProtocolViolation        // 协议违例（包解析失败、乱序、断开请求）
	ReasonHandshakeFailed          // 握手失败（意外消息、状态非法、配对码被拒）
	ReasonReconnectAuthFailed      // 续连认证失败（单独区分，调用方可回退到重新配对）
	ReasonVersionMismatch          // 版本不匹配（握手开始前即失败）
)

// String 失败分类名称
func (r Reason) String() string {
	switch r {
	case ReasonTransportFault:
		return "TransportFault"
	case ReasonProtocolViolation:
		return "ProtocolViolation"
	case ReasonHandshakeFailed:
		return "HandshakeFailed"
	case ReasonReconnectAuthFailed:
		return "ReconnectAuthFailed"
	case ReasonVersionMismatch:
		return "VersionMismatch"
	default:
		return "Unknown"
	}
}

// ConnectionError 连接失败的分类错误
type ConnectionError struct {
	Reason Reason
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection failed: %s", e.Reason)
	}
	return fmt.Sprintf("connection failed: %s: %v", e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	ErrAlreadyStarted = errors.New("pending car already started")
	ErrMissingCar     = errors.New("reconnection requires an associated car record")
	ErrBadStorageKey  = errors.New("storage key must be 32 bytes")
)

// ConnectedCar 连接成功后交给调用方的结果
type ConnectedCar struct {
	DeviceID uuid.UUID             // 对端设备ID
	Name     string                // 对端名称
	Key      *handshake.Key        // 本次会话密钥
	Stream   *stream.MessageStream // 已就绪的消息流
}

// Callbacks 连接生命周期回调
// 由连接的事件循环goroutine串行调用
type Callbacks struct {
	// OnVerificationCodeAvailable 屏显6位配对码就绪时触发
	// 调用方展示配对码后调用NotifyPinVerified/NotifyPinNotValidated
	OnVerificationCodeAvailable func(code string)

	// OnOobTokenAvailable OOB校验材料就绪时触发（OOB配对模式）
	OnOobTokenAvailable func(token []byte)

	// OnConnected 连接建立成功，交付结果
	OnConnected func(car *ConnectedCar)

	// OnConnectionFailed 连接失败，携带失败分类
	OnConnectionFailed func(cerr *ConnectionError)
}
