package handshake

import (
	"errors"
	"testing"
)

// runReconnectHandshake 两个续连模式引擎走完三轮握手，进入ResumingSession
func runReconnectHandshake(t *testing.T) (*Engine, *Engine) {
	t.Helper()
	initiator, responder := runHandshake(t, ModeReconnect)

	if initiator.State() != StateResumingSession {
		t.Fatalf("initiator state %s", initiator.State())
	}
	if responder.State() != StateResumingSession {
		t.Fatalf("responder state %s", responder.State())
	}
	return initiator, responder
}

// previousSessionKey 模拟上次连接留下的会话密钥
func previousSessionKey(t *testing.T) *Key {
	t.Helper()
	initiator, responder := runHandshake(t, ModeAssociation)
	key, err := initiator.NotifyPinVerified()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := responder.NotifyPinVerified(); err != nil {
		t.Fatal(err)
	}
	return key
}

// TestReconnectionSuccess 双方持有相同上次密钥时续连认证双向通过
func TestReconnectionSuccess(t *testing.T) {
	prev := previousSessionKey(t)
	initiator, responder := runReconnectHandshake(t)

	challenge, err := initiator.InitReconnectAuthentication(prev)
	if err != nil {
		t.Fatalf("InitReconnectAuthentication failed: %v", err)
	}
	if len(challenge) != resumeMacLen {
		t.Fatalf("challenge length %d", len(challenge))
	}

	reply, keyB, err := responder.AuthenticateReconnection(challenge, prev)
	if err != nil {
		t.Fatalf("responder AuthenticateReconnection failed: %v", err)
	}
	if responder.State() != StateFinished || keyB == nil {
		t.Fatalf("responder not finished: %s", responder.State())
	}

	noreply, keyA, err := initiator.AuthenticateReconnection(reply, prev)
	if err != nil {
		t.Fatalf("initiator AuthenticateReconnection failed: %v", err)
	}
	if noreply != nil {
		t.Error("initiator must not produce a reply")
	}
	if initiator.State() != StateFinished || keyA == nil {
		t.Fatalf("initiator not finished: %s", initiator.State())
	}

	// 新会话密钥互通
	ct, err := keyA.Encrypt([]byte("resumed"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keyB.Decrypt(ct); err != nil {
		t.Errorf("resumed keys do not interoperate: %v", err)
	}
}

// TestReconnectionDeterminism 相同输入下证明确定，且角色标签不可互换
func TestReconnectionDeterminism(t *testing.T) {
	prev := previousSessionKey(t)
	initiator, _ := runReconnectHandshake(t)

	a, err := initiator.resumeProof(prev, labelInitiator)
	if err != nil {
		t.Fatal(err)
	}
	b, err := initiator.resumeProof(prev, labelInitiator)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("proof not deterministic")
	}

	c, err := initiator.resumeProof(prev, labelResponder)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(c) {
		t.Error("CLIENT and SERVER proofs must differ")
	}
}

// TestReconnectionCorruptedChallenge 篡改1字节导致失败、引擎作废、无密钥
func TestReconnectionCorruptedChallenge(t *testing.T) {
	prev := previousSessionKey(t)
	initiator, responder := runReconnectHandshake(t)

	challenge, err := initiator.InitReconnectAuthentication(prev)
	if err != nil {
		t.Fatal(err)
	}

	corrupted := append([]byte(nil), challenge...)
	corrupted[5] ^= 0x01

	reply, key, err := responder.AuthenticateReconnection(corrupted, prev)
	if !errors.Is(err, ErrReconnectAuthFailed) {
		t.Fatalf("expected ErrReconnectAuthFailed, got %v", err)
	}
	if reply != nil || key != nil {
		t.Error("no reply or key on corrupted challenge")
	}
	if responder.State() != StateInvalid {
		t.Errorf("state %s after corrupted challenge", responder.State())
	}

	// 作废后不可重试，即使证明正确
	if _, _, err := responder.AuthenticateReconnection(challenge, prev); !errors.Is(err, ErrHandshakeState) {
		t.Errorf("retry after invalidation: %v", err)
	}
}

// TestReconnectionBadLength 长度不是32字节直接作废
func TestReconnectionBadLength(t *testing.T) {
	prev := previousSessionKey(t)
	_, responder := runReconnectHandshake(t)

	_, key, err := responder.AuthenticateReconnection([]byte("short"), prev)
	if !errors.Is(err, ErrReconnectAuthFailed) {
		t.Fatalf("expected ErrReconnectAuthFailed, got %v", err)
	}
	if key != nil {
		t.Error("no key on bad length")
	}
	if responder.State() != StateInvalid {
		t.Errorf("state %s after bad length", responder.State())
	}
}

// TestReconnectionMismatchedPreviousKey 上次密钥不一致时认证失败
func TestReconnectionMismatchedPreviousKey(t *testing.T) {
	prevA := previousSessionKey(t)
	prevB := previousSessionKey(t)
	initiator, responder := runReconnectHandshake(t)

	challenge, err := initiator.InitReconnectAuthentication(prevA)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := responder.AuthenticateReconnection(challenge, prevB); !errors.Is(err, ErrReconnectAuthFailed) {
		t.Errorf("mismatched previous keys should fail: %v", err)
	}
}

// TestReconnectionStateGates 状态门禁：非续连状态/重复发起都被拒绝
func TestReconnectionStateGates(t *testing.T) {
	prev := previousSessionKey(t)

	// 配对模式的引擎没有ResumingSession状态
	assoc, _ := runHandshake(t, ModeAssociation)
	if _, err := assoc.InitReconnectAuthentication(prev); !errors.Is(err, ErrHandshakeState) {
		t.Errorf("association engine accepted reconnect auth: %v", err)
	}

	initiator, responder := runReconnectHandshake(t)

	// 应答方不能发起
	if _, err := responder.InitReconnectAuthentication(prev); !errors.Is(err, ErrHandshakeState) {
		t.Errorf("responder initiated reconnect auth: %v", err)
	}

	// 发起方必须先发起才能校验
	bogus := make([]byte, resumeMacLen)
	if _, _, err := initiator.AuthenticateReconnection(bogus, prev); !errors.Is(err, ErrHandshakeState) {
		t.Errorf("initiator verified before initiating: %v", err)
	}

	// 重复发起被拒绝
	if _, err := initiator.InitReconnectAuthentication(prev); err != nil {
		t.Fatal(err)
	}
	if _, err := initiator.InitReconnectAuthentication(prev); !errors.Is(err, ErrHandshakeState) {
		t.Errorf("double init accepted: %v", err)
	}
}
