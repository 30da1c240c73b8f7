package handshake

import (
	"fmt"

	"github.com/junbin-yang/carlink-go/pkg/utils/crypto"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
)

// 续连证明：双方用上次会话与本次会话的唯一ID派生角色绑定的MAC，
// 互相证明持有同一份上次会话密钥
//
//	proof = HKDF(secret = U_prev ‖ U_new, salt = "RESUME", info = 发送方角色标签)
//
// 发起方先发CLIENT标签的证明；应答方校验后回SERVER标签的证明；
// 长度或MAC不匹配直接作废引擎，调用方只能回退到完整重新配对

// resumeProof 计算指定角色标签的续连证明MAC
func (e *Engine) resumeProof(prevKey *Key, label string) ([]byte, error) {
	secret := append(prevKey.UniqueSessionID(), e.key.UniqueSessionID()...)
	return crypto.HkdfExpand(secret, []byte(resumeSalt), []byte(label), resumeMacLen)
}

// roleLabel 本端角色标签
func (e *Engine) roleLabel() string {
	if e.role == RoleInitiator {
		return labelInitiator
	}
	return labelResponder
}

// peerLabel 对端角色标签
func (e *Engine) peerLabel() string {
	if e.role == RoleInitiator {
		return labelResponder
	}
	return labelInitiator
}

// InitReconnectAuthentication 发起续连认证（仅发起方）
// 参数：
//   - prevKey：上次连接存储的会话密钥
// 返回：
//   - 32字节续连证明（发往对端）
//   - 错误信息
func (e *Engine) InitReconnectAuthentication(prevKey *Key) ([]byte, error) {
	if e.state != StateResumingSession {
		return nil, fmt.Errorf("%w: initReconnectAuthentication in state %s", ErrHandshakeState, e.state)
	}
	if e.role != RoleInitiator {
		return nil, fmt.Errorf("%w: only the initiator starts reconnect authentication", ErrHandshakeState)
	}
	if prevKey == nil {
		return nil, fmt.Errorf("%w: previous key required", ErrHandshakeState)
	}
	if e.resumeSent {
		return nil, fmt.Errorf("%w: reconnect challenge already sent", ErrHandshakeState)
	}

	proof, err := e.resumeProof(prevKey, e.roleLabel())
	if err != nil {
		e.state = StateInvalid
		return nil, err
	}

	e.resumeSent = true
	log.Debugf("[HANDSHAKE] Reconnect challenge sent (%s)", e.roleLabel())
	return proof, nil
}

// AuthenticateReconnection 校验对端的续连证明
// 应答方：校验发起方的CLIENT证明，成功则返回SERVER证明并完成握手
// 发起方：校验应答方的SERVER证明，成功则完成握手（无回复）
// 长度或MAC不匹配会作废引擎并返回ErrReconnectAuthFailed，不可重试
// 参数：
//   - message：对端发来的证明消息
//   - prevKey：上次连接存储的会话密钥
// 返回：
//   - 待回复的证明（发起方侧为nil）
//   - 新的会话密钥
//   - 错误信息
func (e *Engine) AuthenticateReconnection(message []byte, prevKey *Key) ([]byte, *Key, error) {
	if e.state != StateResumingSession {
		return nil, nil, fmt.Errorf("%w: authenticateReconnection in state %s", ErrHandshakeState, e.state)
	}
	if prevKey == nil {
		return nil, nil, fmt.Errorf("%w: previous key required", ErrHandshakeState)
	}
	if e.role == RoleInitiator && !e.resumeSent {
		return nil, nil, fmt.Errorf("%w: initReconnectAuthentication must run first", ErrHandshakeState)
	}

	if len(message) != resumeMacLen {
		e.state = StateInvalid
		e.key = nil
		return nil, nil, fmt.Errorf("%w: proof length %d, expected %d", ErrReconnectAuthFailed, len(message), resumeMacLen)
	}

	// 用消息发送方（即对端）的角色标签重算证明
	expected, err := e.resumeProof(prevKey, e.peerLabel())
	if err != nil {
		e.state = StateInvalid
		e.key = nil
		return nil, nil, err
	}

	if !crypto.ConstantTimeEqual(expected, message) {
		e.state = StateInvalid
		e.key = nil
		log.Warnf("[HANDSHAKE] Reconnect proof mismatch, engine invalidated")
		return nil, nil, fmt.Errorf("%w: proof mismatch", ErrReconnectAuthFailed)
	}

	var reply []byte
	if e.role == RoleResponder {
		reply, err = e.resumeProof(prevKey, e.roleLabel())
		if err != nil {
			e.state = StateInvalid
			e.key = nil
			return nil, nil, err
		}
	}

	e.state = StateFinished
	log.Infof("[HANDSHAKE] Reconnection authenticated, handshake finished")
	return reply, e.key, nil
}
