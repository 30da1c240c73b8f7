// Package handshake 实现设备与车机间的认证密钥协商引擎
// 基于X25519承诺式三轮握手（承诺-应答-揭示），HKDF派生验证材料、
// 会话密钥和会话唯一ID；支持首次配对的6位配对码/OOB校验，
// 以及已配对设备的快速续连认证
package handshake

import "errors"

// State 握手状态
type State int

const (
	StateUnknown              State = iota // 未开始
	StateInProgress                        // 握手进行中
	StateVerificationNeeded                // 密钥已就绪，等待配对码人工确认
	StateOobVerificationNeeded             // 密钥已就绪，等待带外确认
	StateResumingSession                   // 续连模式，等待续连证明
	StateFinished                          // 完成，密钥可用
	StateInvalid                           // 已失效，引擎不可再用
)

// String 状态名称
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateInProgress:
		return "InProgress"
	case StateVerificationNeeded:
		return "VerificationNeeded"
	case StateOobVerificationNeeded:
		return "OobVerificationNeeded"
	case StateResumingSession:
		return "ResumingSession"
	case StateFinished:
		return "Finished"
	case StateInvalid:
		return "Invalid"
	default:
		return "?"
	}
}

// Role 握手角色
type Role int

const (
	RoleInitiator Role = iota // 发起方（移动设备侧）
	RoleResponder             // 应答方（车机侧）
)

// 角色标签：续连证明HKDF的info参数，取消息发送方的标签
const (
	labelInitiator = "CLIENT"
	labelResponder = "SERVER"
)

// Mode 握手模式
type Mode int

const (
	ModeAssociation    Mode = iota // 首次配对，屏显6位配对码
	ModeAssociationOob             // 首次配对，带外确认
	ModeReconnect                  // 续连，自动确认后走续连证明
)

var (
	// ErrHandshakeState 非法状态下的操作（引擎单次使用，Finished/Invalid后拒绝一切操作）
	ErrHandshakeState = errors.New("illegal handshake state")

	// ErrHandshakeFailed 握手协议失败（意外消息、承诺校验失败等）
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrReconnectAuthFailed 续连认证失败（长度或MAC不匹配），不可重试
	// 单独区分，便于调用方回退到完整重新配对
	ErrReconnectAuthFailed = errors.New("reconnection authentication failed")

	// ErrPinRejected 配对码被用户拒绝
	ErrPinRejected = errors.New("pairing code rejected")
)

const (
	// 各类派生材料长度
	verificationLen = 32 // 验证材料
	sessionIDLen    = 32 // 会话唯一ID
	resumeMacLen    = 32 // 续连证明MAC

	// VerificationCodeDigits 屏显配对码位数
	VerificationCodeDigits = 6
)

// HKDF派生上下文
const (
	infoAuth      = "AUTH"
	infoEncrypt   = "ENC"
	infoSessionID = "SESSION_ID"
	resumeSalt    = "RESUME"
)
