package handshake

import (
	"crypto/sha256"
	"fmt"

	"github.com/junbin-yang/carlink-go/pkg/utils/crypto"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"golang.org/x/crypto/curve25519"
)

// Engine 握手引擎（单次使用）
// 一次连接尝试恰好对应一个引擎实例；进入Invalid或Finished后
// 任何操作都返回ErrHandshakeState，后续握手必须换新实例
type Engine struct {
	role  Role
	mode  Mode
	state State

	// X25519临时密钥对
	privateKey []byte
	publicKey  []byte

	// 承诺式握手的中间量
	commitment []byte // M1：发起方公钥的SHA256承诺
	peerPublic []byte // 对端临时公钥

	// 派生结果
	verificationBytes []byte
	key               *Key

	// 续连状态
	resumeSent bool
}

// New 创建握手引擎
// 参数：
//   - role：本端角色（发起方/应答方）
//   - mode：握手模式（配对/OOB配对/续连）
func New(role Role, mode Mode) *Engine {
	return &Engine{
		role:  role,
		mode:  mode,
		state: StateUnknown,
	}
}

// State 当前握手状态
func (e *Engine) State() State { return e.state }

// Role 本端角色
func (e *Engine) Role() Role { return e.role }

// InitHandshake 发起握手（仅发起方，产生M1）
// M1是对本端临时公钥的SHA256承诺，对端在收到揭示前无法选择性应答
// 返回：
//   - M1消息字节
//   - 错误信息
func (e *Engine) InitHandshake() ([]byte, error) {
	if e.role != RoleInitiator {
		return nil, fmt.Errorf("%w: respondToInit expected for responder", ErrHandshakeState)
	}
	if e.state != StateUnknown {
		return nil, fmt.Errorf("%w: initHandshake in state %s", ErrHandshakeState, e.state)
	}

	if err := e.generateKeyPair(); err != nil {
		e.state = StateInvalid
		return nil, err
	}

	digest := sha256.Sum256(e.publicKey)
	e.commitment = digest[:]
	e.state = StateInProgress

	log.Debugf("[HANDSHAKE] Initiator sent commitment")
	return e.commitment, nil
}

// RespondToInit 应答握手发起（仅应答方，消费M1、产生M2）
// 参数：
//   - m1：发起方的承诺消息
// 返回：
//   - M2消息字节（本端临时公钥）
//   - 错误信息
func (e *Engine) RespondToInit(m1 []byte) ([]byte, error) {
	if e.role != RoleResponder {
		return nil, fmt.Errorf("%w: initHandshake expected for initiator", ErrHandshakeState)
	}
	if e.state != StateUnknown {
		return nil, fmt.Errorf("%w: respondToInit in state %s", ErrHandshakeState, e.state)
	}
	if len(m1) != sha256.Size {
		e.state = StateInvalid
		return nil, fmt.Errorf("%w: bad commitment length %d", ErrHandshakeFailed, len(m1))
	}

	if err := e.generateKeyPair(); err != nil {
		e.state = StateInvalid
		return nil, err
	}

	e.commitment = append([]byte(nil), m1...)
	e.state = StateInProgress

	log.Debugf("[HANDSHAKE] Responder sent ephemeral public key")
	return e.publicKey, nil
}

// ContinueHandshake 推进握手
// 发起方：消费M2（对端公钥），派生密钥材料，产生M3（揭示本端公钥）
// 应答方：消费M3，校验承诺后派生密钥材料，无输出
// 密钥材料就绪后状态进入VerificationNeeded/OobVerificationNeeded，
// 续连模式则进入ResumingSession
// 返回：
//   - 下一条待发送的消息（无则为nil）
//   - 错误信息
func (e *Engine) ContinueHandshake(data []byte) ([]byte, error) {
	if e.state != StateInProgress {
		return nil, fmt.Errorf("%w: continueHandshake in state %s", ErrHandshakeState, e.state)
	}

	switch e.role {
	case RoleInitiator:
		return e.continueInitiator(data)
	case RoleResponder:
		return e.continueResponder(data)
	default:
		return nil, fmt.Errorf("%w: unknown role %d", ErrHandshakeState, e.role)
	}
}

// continueInitiator 发起方处理M2
func (e *Engine) continueInitiator(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		e.state = StateInvalid
		return nil, fmt.Errorf("%w: bad peer public key length %d", ErrHandshakeFailed, len(peerPublic))
	}

	e.peerPublic = append([]byte(nil), peerPublic...)

	if err := e.deriveSession(); err != nil {
		e.state = StateInvalid
		return nil, err
	}

	e.advanceToVerification()

	// M3：向对端揭示承诺过的公钥
	return e.publicKey, nil
}

// continueResponder 应答方处理M3
func (e *Engine) continueResponder(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		e.state = StateInvalid
		return nil, fmt.Errorf("%w: bad peer public key length %d", ErrHandshakeFailed, len(peerPublic))
	}

	// 揭示的公钥必须与M1中的承诺一致
	digest := sha256.Sum256(peerPublic)
	if !crypto.ConstantTimeEqual(digest[:], e.commitment) {
		e.state = StateInvalid
		return nil, fmt.Errorf("%w: commitment mismatch", ErrHandshakeFailed)
	}

	e.peerPublic = append([]byte(nil), peerPublic...)

	if err := e.deriveSession(); err != nil {
		e.state = StateInvalid
		return nil, err
	}

	e.advanceToVerification()
	return nil, nil
}

// advanceToVerification 密钥材料就绪后按模式推进状态
func (e *Engine) advanceToVerification() {
	switch e.mode {
	case ModeReconnect:
		e.state = StateResumingSession
	case ModeAssociationOob:
		e.state = StateOobVerificationNeeded
	default:
		e.state = StateVerificationNeeded
	}
	log.Debugf("[HANDSHAKE] Key material ready, state=%s", e.state)
}

// deriveSession 由共享密钥派生验证材料、会话密钥和会话唯一ID
// transcript = SHA256(M1 ‖ M2)，绑定握手消息防中间人替换
func (e *Engine) deriveSession() error {
	shared, err := curve25519.X25519(e.privateKey, e.peerPublic)
	if err != nil {
		return fmt.Errorf("%w: X25519 failed: %v", ErrHandshakeFailed, err)
	}

	// M2是应答方公钥：发起方视角peerPublic，应答方视角publicKey
	m2 := e.publicKey
	if e.role == RoleInitiator {
		m2 = e.peerPublic
	}

	h := sha256.New()
	h.Write(e.commitment)
	h.Write(m2)
	transcript := h.Sum(nil)

	verification, err := crypto.HkdfExpand(shared, transcript, []byte(infoAuth), verificationLen)
	if err != nil {
		return err
	}
	keyBytes, err := crypto.HkdfExpand(shared, transcript, []byte(infoEncrypt), crypto.SessionKeyLen)
	if err != nil {
		return err
	}
	sessionID, err := crypto.HkdfExpand(shared, transcript, []byte(infoSessionID), sessionIDLen)
	if err != nil {
		return err
	}

	e.verificationBytes = verification
	e.key = newKey(keyBytes, sessionID)
	return nil
}

// VerificationCode 屏显6位配对码
// 取验证材料前6字节，逐字节对10取模映射为十进制数字
func (e *Engine) VerificationCode() (string, error) {
	if e.state != StateVerificationNeeded {
		return "", fmt.Errorf("%w: verificationCode in state %s", ErrHandshakeState, e.state)
	}

	code := make([]byte, 0, VerificationCodeDigits)
	for _, b := range e.verificationBytes[:VerificationCodeDigits] {
		code = append(code, '0'+b%10)
	}
	return string(code), nil
}

// OobVerificationToken 带外校验材料（最多32字节原始验证字节）
func (e *Engine) OobVerificationToken() ([]byte, error) {
	if e.state != StateOobVerificationNeeded {
		return nil, fmt.Errorf("%w: oobVerificationToken in state %s", ErrHandshakeState, e.state)
	}
	return append([]byte(nil), e.verificationBytes...), nil
}

// NotifyPinVerified 配对码确认通过，握手完成
// 返回：
//   - 会话密钥
//   - 错误信息
func (e *Engine) NotifyPinVerified() (*Key, error) {
	if e.state != StateVerificationNeeded && e.state != StateOobVerificationNeeded {
		return nil, fmt.Errorf("%w: notifyPinVerified in state %s", ErrHandshakeState, e.state)
	}

	e.state = StateFinished
	log.Infof("[HANDSHAKE] Pairing confirmed, handshake finished")
	return e.key, nil
}

// NotifyPinNotValidated 配对码被拒绝，引擎作废
func (e *Engine) NotifyPinNotValidated() error {
	if e.state != StateVerificationNeeded && e.state != StateOobVerificationNeeded {
		return fmt.Errorf("%w: notifyPinNotValidated in state %s", ErrHandshakeState, e.state)
	}

	e.state = StateInvalid
	e.key = nil
	log.Warnf("[HANDSHAKE] Pairing rejected, engine invalidated")
	return ErrPinRejected
}

// generateKeyPair 生成X25519临时密钥对（含私钥clamping）
func (e *Engine) generateKeyPair() error {
	priv, err := crypto.GenerateRandomBytes(curve25519.ScalarSize)
	if err != nil {
		return fmt.Errorf("generate private key failed: %w", err)
	}

	// X25519私钥clamping
	priv[0] &= 0xF8
	priv[31] &= 0x7F
	priv[31] |= 0x40

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("compute public key failed: %w", err)
	}

	e.privateKey = priv
	e.publicKey = pub
	return nil
}
