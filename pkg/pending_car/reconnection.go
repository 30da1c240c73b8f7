package pending_car

import (
	"errors"
	"fmt"

	"github.com/junbin-yang/carlink-go/pkg/handshake"
	"github.com/junbin-yang/carlink-go/pkg/utils/crypto"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"github.com/junbin-yang/carlink-go/pkg/wire"
)

// 续连流程（广播匹配已在流打开前完成，见pkg/discovery）：
//
//	版本协商 → 存活挑战/应答（识别密钥HMAC） → 续连模式三轮握手
//	（自动确认，无配对码） → 双向续连证明 → 轮换落盘的会话密钥 → 交付
//
// 存活挑战在昂贵的握手开始前确认对端确实持有识别密钥；
// 任何不匹配都单独归类为续连认证失败，调用方应回退到重新配对

// startReconnection 版本协商完成后进入续连流程
func (p *PendingCar) startReconnection() {
	if p.version.security < reconnectSecurityVersion {
		p.fail(ReasonVersionMismatch,
			fmt.Errorf("reconnection requires security version >=%d, negotiated %d",
				reconnectSecurityVersion, p.version.security))
		return
	}

	// 上次会话密钥现在就恢复：本地凭据损坏没必要继续走握手
	prevKey, err := p.decryptStoredKey(p.car.EncryptedSessionKey)
	if err != nil {
		p.fail(ReasonReconnectAuthFailed, err)
		return
	}
	p.prevKey = prevKey
	p.phase = phaseLiveness

	if p.role != handshake.RoleInitiator {
		return
	}

	challenge, err := crypto.GenerateRandomBytes(livenessChallengeLen)
	if err != nil {
		p.fail(ReasonReconnectAuthFailed, fmt.Errorf("generate liveness challenge failed: %w", err))
		return
	}
	p.challenge = challenge
	p.sendMessage(&wire.Message{
		Operation: wire.OperationQuery,
		Payload:   challenge,
	})
}

// onLivenessMessage 存活挑战/应答
func (p *PendingCar) onLivenessMessage(msg *wire.Message) {
	switch {
	case p.role == handshake.RoleResponder && msg.Operation == wire.OperationQuery:
		if len(msg.Payload) != livenessChallengeLen {
			p.fail(ReasonProtocolViolation,
				fmt.Errorf("liveness challenge length %d", len(msg.Payload)))
			return
		}
		mac := crypto.HmacSHA256(p.car.IdentificationKey, msg.Payload)
		p.sendMessage(&wire.Message{
			Operation: wire.OperationQueryResponse,
			Payload:   mac,
		})
		p.startReconnectHandshake()

	case p.role == handshake.RoleInitiator && msg.Operation == wire.OperationQueryResponse:
		expected := crypto.HmacSHA256(p.car.IdentificationKey, p.challenge)
		if !crypto.ConstantTimeEqual(expected, msg.Payload) {
			p.fail(ReasonReconnectAuthFailed, errors.New("liveness response mismatch"))
			return
		}
		log.Debugf("[PENDING_CAR] Liveness confirmed: %s", p.car.DeviceID)
		p.startReconnectHandshake()

		m1, err := p.engine.InitHandshake()
		if err != nil {
			p.fail(ReasonHandshakeFailed, err)
			return
		}
		p.sendHandshake(m1)

	default:
		p.fail(ReasonProtocolViolation,
			fmt.Errorf("operation %d during liveness check", msg.Operation))
	}
}

// startReconnectHandshake 存活确认后启动续连模式握手
func (p *PendingCar) startReconnectHandshake() {
	p.engine = handshake.New(p.role, handshake.ModeReconnect)
	p.phase = phaseHandshake
}

// enterResume 密钥材料就绪：发起方发出续连证明，应答方等待
func (p *PendingCar) enterResume() {
	p.phase = phaseResume

	if p.role != handshake.RoleInitiator {
		return
	}

	proof, err := p.engine.InitReconnectAuthentication(p.prevKey)
	if err != nil {
		p.fail(ReasonReconnectAuthFailed, err)
		return
	}
	p.sendHandshake(proof)
}

// onResumeMessage 校验对端续连证明
// 应答方校验发起方证明并回本端证明；发起方校验应答方证明后回ACK
// 应答方等到ACK才轮换落盘密钥（onReconnectAck）
func (p *PendingCar) onResumeMessage(msg *wire.Message) {
	if p.phase == phaseAwaitAck && msg.Operation == wire.OperationAck {
		p.onReconnectAck()
		return
	}
	if msg.Operation != wire.OperationEncryptionHandshake {
		p.fail(ReasonProtocolViolation,
			fmt.Errorf("operation %d during session resumption", msg.Operation))
		return
	}

	reply, newKey, err := p.engine.AuthenticateReconnection(msg.Payload, p.prevKey)
	if err != nil {
		reason := ReasonHandshakeFailed
		if errors.Is(err, handshake.ErrReconnectAuthFailed) {
			reason = ReasonReconnectAuthFailed
		}
		p.fail(reason, err)
		return
	}
	p.key = newKey

	if p.role == handshake.RoleResponder {
		p.sendHandshake(reply)
		p.phase = phaseAwaitAck
		return
	}

	// 发起方：证明双向通过，轮换落盘密钥并交付
	if err := p.rotateSessionKey(); err != nil {
		p.fail(ReasonReconnectAuthFailed, err)
		return
	}
	p.sendMessage(&wire.Message{Operation: wire.OperationAck})
	p.succeed(p.car.DeviceID, p.key)
}

// onReconnectAck 应答方收到最终确认：轮换落盘密钥并交付
func (p *PendingCar) onReconnectAck() {
	if err := p.rotateSessionKey(); err != nil {
		p.fail(ReasonReconnectAuthFailed, err)
		return
	}
	p.succeed(p.car.DeviceID, p.key)
}

// rotateSessionKey 每次成功续连后用新会话密钥覆盖落盘密钥
func (p *PendingCar) rotateSessionKey() error {
	blob, err := p.encryptKeyAtRest(p.key)
	if err != nil {
		return err
	}
	if err := p.store.UpdateSessionKey(p.car.DeviceID, blob); err != nil {
		return fmt.Errorf("rotate stored session key failed: %w", err)
	}
	log.Infof("[PENDING_CAR] Session key rotated: device=%s", p.car.DeviceID)
	return nil
}
