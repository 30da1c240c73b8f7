package pending_car

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/junbin-yang/carlink-go/pkg/handshake"
	"github.com/junbin-yang/carlink-go/pkg/storage"
	"github.com/junbin-yang/carlink-go/pkg/utils/crypto"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"github.com/junbin-yang/carlink-go/pkg/wire"
)

// 首次配对流程：
//
//	版本协商 → 三轮握手 → 双方人工确认配对码 → 发起方生成识别密钥，
//	加密交换设备信息 → 双方落盘凭据 → 交付
//
// 发起方在配对码双方确认后发送{本端设备ID, 新识别密钥}（加密）；
// 应答方回{本端设备ID}（加密）；发起方落盘后回ACK，应答方收到ACK落盘

// startAssociation 版本协商完成后进入配对流程
func (p *PendingCar) startAssociation() {
	if p.oob && p.version.security < oobSecurityVersion {
		p.fail(ReasonVersionMismatch,
			fmt.Errorf("oob association requires security version >=%d, negotiated %d",
				oobSecurityVersion, p.version.security))
		return
	}

	mode := handshake.ModeAssociation
	if p.oob {
		mode = handshake.ModeAssociationOob
	}
	p.engine = handshake.New(p.role, mode)
	p.phase = phaseHandshake

	if p.role == handshake.RoleInitiator {
		m1, err := p.engine.InitHandshake()
		if err != nil {
			p.fail(ReasonHandshakeFailed, err)
			return
		}
		p.sendHandshake(m1)
	}
}

// enterVerification 密钥材料就绪，向调用方暴露配对码/OOB材料
func (p *PendingCar) enterVerification() {
	p.phase = phaseVerification

	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()

	if p.oob {
		token, err := p.engine.OobVerificationToken()
		if err != nil {
			p.fail(ReasonHandshakeFailed, err)
			return
		}
		log.Infof("[PENDING_CAR] OOB verification token ready (%d bytes)", len(token))
		if cb != nil && cb.OnOobTokenAvailable != nil {
			cb.OnOobTokenAvailable(token)
		}
		return
	}

	code, err := p.engine.VerificationCode()
	if err != nil {
		p.fail(ReasonHandshakeFailed, err)
		return
	}
	log.Infof("[PENDING_CAR] Verification code ready: %s", code)
	if cb != nil && cb.OnVerificationCodeAvailable != nil {
		cb.OnVerificationCodeAvailable(code)
	}
}

// onPinVerified 调用方确认配对码：完成握手并通知对端
func (p *PendingCar) onPinVerified() {
	if p.phase != phaseVerification {
		log.Warnf("[PENDING_CAR] Pin verified in phase %d, ignored", p.phase)
		return
	}

	key, err := p.engine.NotifyPinVerified()
	if err != nil {
		p.fail(ReasonHandshakeFailed, err)
		return
	}
	p.key = key
	p.localConfirmed = true

	confirm := &wire.VerificationCode{State: wire.VerificationStateConfirmed}
	p.sendMessage(&wire.Message{
		Operation: wire.OperationEncryptionHandshake,
		Payload:   confirm.Encode(),
	})

	p.maybeStartDeviceExchange()
}

// onPinRejected 调用方否认配对码：作废引擎并失败
func (p *PendingCar) onPinRejected() {
	if p.phase != phaseVerification {
		log.Warnf("[PENDING_CAR] Pin rejected in phase %d, ignored", p.phase)
		return
	}

	err := p.engine.NotifyPinNotValidated()
	p.fail(ReasonHandshakeFailed, err)
}

// onVerificationMessage 处理对端的配对码确认
func (p *PendingCar) onVerificationMessage(msg *wire.Message) {
	if msg.Operation != wire.OperationEncryptionHandshake {
		p.fail(ReasonProtocolViolation, fmt.Errorf("operation %d during verification", msg.Operation))
		return
	}

	vc, err := wire.DecodeVerificationCode(msg.Payload)
	if err != nil {
		p.fail(ReasonProtocolViolation, err)
		return
	}
	if vc.State != wire.VerificationStateConfirmed {
		p.fail(ReasonHandshakeFailed, fmt.Errorf("unexpected verification state %d", vc.State))
		return
	}

	log.Debugf("[PENDING_CAR] Peer confirmed verification code")
	p.peerConfirmed = true
	p.maybeStartDeviceExchange()
}

// maybeStartDeviceExchange 双方都确认后进入设备信息交换
func (p *PendingCar) maybeStartDeviceExchange() {
	if !p.localConfirmed || !p.peerConfirmed {
		return
	}
	p.phase = phaseDeviceExchange

	if p.role != handshake.RoleInitiator {
		return
	}

	identKey, err := crypto.GenerateRandomBytes(storage.IdentificationKeyLen)
	if err != nil {
		p.fail(ReasonHandshakeFailed, fmt.Errorf("generate identification key failed: %w", err))
		return
	}
	p.identKey = identKey

	info := &wire.DeviceInfo{
		DeviceID:          p.localID[:],
		IdentificationKey: identKey,
	}
	p.sendEncrypted(wire.OperationClientMessage, info.Encode())
}

// onAssociationMessage 设备信息交换与最终确认
func (p *PendingCar) onAssociationMessage(msg *wire.Message) {
	switch {
	case p.phase == phaseAwaitAck && msg.Operation == wire.OperationAck:
		// 应答方：发起方已落盘，本端落盘并交付
		if err := p.persistPeer(); err != nil {
			p.fail(ReasonHandshakeFailed, err)
			return
		}
		p.succeed(p.peerDeviceID, p.key)

	case p.phase == phaseDeviceExchange && msg.Operation == wire.OperationClientMessage:
		p.onDeviceInfo(msg)

	default:
		p.fail(ReasonProtocolViolation,
			fmt.Errorf("operation %d in phase %d", msg.Operation, p.phase))
	}
}

// onDeviceInfo 处理对端的加密设备信息
func (p *PendingCar) onDeviceInfo(msg *wire.Message) {
	if !msg.IsPayloadEncrypted {
		p.fail(ReasonProtocolViolation, errors.New("device info must be encrypted"))
		return
	}

	plain, err := p.key.Decrypt(msg.Payload)
	if err != nil {
		p.fail(ReasonHandshakeFailed, fmt.Errorf("decrypt device info failed: %w", err))
		return
	}
	info, err := wire.DecodeDeviceInfo(plain)
	if err != nil {
		p.fail(ReasonProtocolViolation, err)
		return
	}

	deviceID, err := uuid.FromBytes(info.DeviceID)
	if err != nil {
		p.fail(ReasonProtocolViolation, fmt.Errorf("bad peer device id: %w", err))
		return
	}
	p.peerDeviceID = deviceID

	if p.role == handshake.RoleResponder {
		// 发起方的消息携带新识别密钥，保存后回本端设备ID
		if len(info.IdentificationKey) != storage.IdentificationKeyLen {
			p.fail(ReasonProtocolViolation,
				fmt.Errorf("identification key length %d", len(info.IdentificationKey)))
			return
		}
		p.identKey = info.IdentificationKey

		reply := &wire.DeviceInfo{DeviceID: p.localID[:]}
		p.sendEncrypted(wire.OperationClientMessage, reply.Encode())
		p.phase = phaseAwaitAck
		return
	}

	// 发起方：凭据落盘，通知对端，交付
	if err := p.persistPeer(); err != nil {
		p.fail(ReasonHandshakeFailed, err)
		return
	}
	p.sendMessage(&wire.Message{Operation: wire.OperationAck})
	p.succeed(p.peerDeviceID, p.key)
}

// sendEncrypted 用会话密钥加密负载后发送
func (p *PendingCar) sendEncrypted(op wire.Operation, plain []byte) {
	enc, err := p.key.Encrypt(plain)
	if err != nil {
		p.fail(ReasonHandshakeFailed, fmt.Errorf("encrypt payload failed: %w", err))
		return
	}
	p.sendMessage(&wire.Message{
		Operation:          op,
		IsPayloadEncrypted: true,
		Payload:            enc,
	})
}

// persistPeer 配对成功后落盘对端凭据
func (p *PendingCar) persistPeer() error {
	blob, err := p.encryptKeyAtRest(p.key)
	if err != nil {
		return err
	}

	rec := &storage.AssociatedCar{
		DeviceID:            p.peerDeviceID,
		Name:                p.t.DeviceName(),
		MacAddress:          p.peerAddr,
		IdentificationKey:   p.identKey,
		EncryptedSessionKey: blob,
	}
	if err := p.store.Save(rec); err != nil {
		return fmt.Errorf("persist credentials failed: %w", err)
	}

	log.Infof("[PENDING_CAR] Credentials saved: device=%s, name=%s", p.peerDeviceID, rec.Name)
	return nil
}
