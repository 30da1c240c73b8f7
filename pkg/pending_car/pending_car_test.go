package pending_car

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/junbin-yang/carlink-go/pkg/handshake"
	"github.com/junbin-yang/carlink-go/pkg/storage"
	"github.com/junbin-yang/carlink-go/pkg/stream"
	"github.com/junbin-yang/carlink-go/pkg/transport"
	"github.com/junbin-yang/carlink-go/pkg/wire"
)

const testTimeout = 5 * time.Second

// pipeTransport 进程内成对链路（用于测试）
// 每端一个投递goroutine，保证接收顺序和发送确认顺序与提交一致
type pipeTransport struct {
	name         string
	maxWriteSize int
	peer         *pipeTransport

	mu        sync.Mutex
	cb        *transport.Callbacks
	nextWrite int32
	closed    bool

	outbox    chan *pipeWrite
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

type pipeWrite struct {
	id   int32
	data []byte
}

func newTransportPair(maxWriteSize int) (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{name: "mobile", maxWriteSize: maxWriteSize,
		outbox: make(chan *pipeWrite, 16), done: make(chan struct{}), ready: make(chan struct{})}
	b := &pipeTransport{name: "head-unit", maxWriteSize: maxWriteSize,
		outbox: make(chan *pipeWrite, 16), done: make(chan struct{}), ready: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) SetCallbacks(cb *transport.Callbacks) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *pipeTransport) callbacks() *transport.Callbacks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb
}

func (p *pipeTransport) Connect() error {
	go p.deliverLoop()
	if cb := p.callbacks(); cb != nil && cb.OnConnected != nil {
		cb.OnConnected()
	}
	return nil
}

func (p *pipeTransport) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	// 对端视角是链路掉线
	if cb := p.peer.callbacks(); cb != nil && cb.OnDisconnected != nil {
		go cb.OnDisconnected()
	}
}

func (p *pipeTransport) MaxWriteSize() int  { return p.maxWriteSize }
func (p *pipeTransport) DeviceName() string { return p.peer.name }

func (p *pipeTransport) SendMessage(data []byte) (int32, bool) {
	if len(data) > p.maxWriteSize {
		return 0, false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, false
	}
	p.nextWrite++
	id := p.nextWrite
	p.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.outbox <- &pipeWrite{id: id, data: buf}:
		return id, true
	case <-p.done:
		return 0, false
	}
}

func (p *pipeTransport) deliverLoop() {
	// 等对端注册好回调再投递，避免首帧丢失
	select {
	case <-p.peer.ready:
	case <-p.done:
		return
	}
	for {
		var w *pipeWrite
		select {
		case w = <-p.outbox:
		case <-p.done:
			return
		}

		if cb := p.peer.callbacks(); cb != nil && cb.OnMessageReceived != nil {
			cb.OnMessageReceived(w.data)
		}
		if cb := p.callbacks(); cb != nil && cb.OnMessageSent != nil {
			cb.OnMessageSent(w.id)
		}
	}
}

// attemptResult 一端连接尝试的观测结果
type attemptResult struct {
	code      chan string
	token     chan []byte
	connected chan *ConnectedCar
	failed    chan *ConnectionError
}

func newAttemptResult() *attemptResult {
	return &attemptResult{
		code:      make(chan string, 1),
		token:     make(chan []byte, 1),
		connected: make(chan *ConnectedCar, 1),
		failed:    make(chan *ConnectionError, 1),
	}
}

func (r *attemptResult) callbacks() *Callbacks {
	return &Callbacks{
		OnVerificationCodeAvailable: func(code string) { r.code <- code },
		OnOobTokenAvailable:         func(token []byte) { r.token <- token },
		OnConnected:                 func(car *ConnectedCar) { r.connected <- car },
		OnConnectionFailed:          func(cerr *ConnectionError) { r.failed <- cerr },
	}
}

func (r *attemptResult) waitCode(t *testing.T) string {
	t.Helper()
	select {
	case code := <-r.code:
		return code
	case cerr := <-r.failed:
		t.Fatalf("attempt failed before code: %v", cerr)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for verification code")
	}
	return ""
}

func (r *attemptResult) waitToken(t *testing.T) []byte {
	t.Helper()
	select {
	case token := <-r.token:
		return token
	case cerr := <-r.failed:
		t.Fatalf("attempt failed before oob token: %v", cerr)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for oob token")
	}
	return nil
}

func (r *attemptResult) waitConnected(t *testing.T) *ConnectedCar {
	t.Helper()
	select {
	case car := <-r.connected:
		return car
	case cerr := <-r.failed:
		t.Fatalf("attempt failed: %v", cerr)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for connection")
	}
	return nil
}

func (r *attemptResult) waitFailed(t *testing.T) *ConnectionError {
	t.Helper()
	select {
	case cerr := <-r.failed:
		return cerr
	case car := <-r.connected:
		t.Fatalf("attempt unexpectedly succeeded: %v", car.DeviceID)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for failure")
	}
	return nil
}

var testStorageKey = bytes.Repeat([]byte{0x6B}, 32)

// associate 完成一次完整配对，返回两端结果与存储
func associate(t *testing.T, mobileID, carID uuid.UUID,
	mobileStore, carStore storage.CredentialStore) (*ConnectedCar, *ConnectedCar) {
	t.Helper()

	ta, tb := newTransportPair(185)

	initiator, err := New(&Options{
		Role:          handshake.RoleInitiator,
		Mode:          ModeAssociating,
		Transport:     ta,
		Store:         mobileStore,
		StorageKey:    testStorageKey,
		LocalDeviceID: mobileID,
		PeerAddress:   "aa:bb:cc:dd:ee:01",
	})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := New(&Options{
		Role:          handshake.RoleResponder,
		Mode:          ModeAssociating,
		Transport:     tb,
		Store:         carStore,
		StorageKey:    testStorageKey,
		LocalDeviceID: carID,
	})
	if err != nil {
		t.Fatal(err)
	}

	ra, rb := newAttemptResult(), newAttemptResult()
	initiator.SetCallbacks(ra.callbacks())
	responder.SetCallbacks(rb.callbacks())

	if err := responder.Start(); err != nil {
		t.Fatal(err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatal(err)
	}

	codeA := ra.waitCode(t)
	codeB := rb.waitCode(t)
	if codeA != codeB {
		t.Fatalf("verification codes differ: %s != %s", codeA, codeB)
	}
	t.Logf("both sides show code %s", codeA)

	initiator.NotifyPinVerified()
	responder.NotifyPinVerified()

	return ra.waitConnected(t), rb.waitConnected(t)
}

// TestAssociationEndToEnd 首次配对全流程
func TestAssociationEndToEnd(t *testing.T) {
	mobileID, carID := uuid.New(), uuid.New()
	mobileStore, carStore := storage.NewMemoryStore(), storage.NewMemoryStore()

	connA, connB := associate(t, mobileID, carID, mobileStore, carStore)

	if connA.DeviceID != carID {
		t.Errorf("initiator sees device %s, want %s", connA.DeviceID, carID)
	}
	if connB.DeviceID != mobileID {
		t.Errorf("responder sees device %s, want %s", connB.DeviceID, mobileID)
	}

	// 双方落盘的识别密钥一致
	recA, err := mobileStore.Get(carID)
	if err != nil {
		t.Fatalf("mobile record missing: %v", err)
	}
	recB, err := carStore.Get(mobileID)
	if err != nil {
		t.Fatalf("car record missing: %v", err)
	}
	if !bytes.Equal(recA.IdentificationKey, recB.IdentificationKey) {
		t.Error("identification keys differ")
	}
	if len(recA.IdentificationKey) != storage.IdentificationKeyLen {
		t.Errorf("identification key length %d", len(recA.IdentificationKey))
	}
	if recA.MacAddress != "aa:bb:cc:dd:ee:01" {
		t.Errorf("peer address not persisted: %q", recA.MacAddress)
	}

	// 会话密钥互通
	ct, err := connA.Key.Encrypt([]byte("hello head unit"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := connB.Key.Decrypt(ct)
	if err != nil || !bytes.Equal(pt, []byte("hello head unit")) {
		t.Errorf("session keys do not interoperate: %v", err)
	}
}

// TestOobAssociation 带外确认的首次配对：两端拿到一致的OOB校验值，
// 不出现屏显配对码，确认后完整走完凭据交换
func TestOobAssociation(t *testing.T) {
	mobileID, carID := uuid.New(), uuid.New()
	mobileStore, carStore := storage.NewMemoryStore(), storage.NewMemoryStore()
	ta, tb := newTransportPair(185)

	initiator, err := New(&Options{
		Role:          handshake.RoleInitiator,
		Mode:          ModeAssociating,
		Oob:           true,
		Transport:     ta,
		Store:         mobileStore,
		StorageKey:    testStorageKey,
		LocalDeviceID: mobileID,
	})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := New(&Options{
		Role:          handshake.RoleResponder,
		Mode:          ModeAssociating,
		Oob:           true,
		Transport:     tb,
		Store:         carStore,
		StorageKey:    testStorageKey,
		LocalDeviceID: carID,
	})
	if err != nil {
		t.Fatal(err)
	}

	ra, rb := newAttemptResult(), newAttemptResult()
	initiator.SetCallbacks(ra.callbacks())
	responder.SetCallbacks(rb.callbacks())

	if err := responder.Start(); err != nil {
		t.Fatal(err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatal(err)
	}

	tokenA := ra.waitToken(t)
	tokenB := rb.waitToken(t)
	if !bytes.Equal(tokenA, tokenB) {
		t.Fatal("oob tokens differ")
	}
	if len(tokenA) != 32 {
		t.Errorf("oob token length %d, want 32", len(tokenA))
	}
	t.Logf("both sides hold the same %d-byte oob token", len(tokenA))

	// OOB路径不暴露屏显配对码
	select {
	case code := <-ra.code:
		t.Errorf("unexpected verification code %s on oob path", code)
	default:
	}

	initiator.NotifyPinVerified()
	responder.NotifyPinVerified()

	connA := ra.waitConnected(t)
	connB := rb.waitConnected(t)
	if connA.DeviceID != carID || connB.DeviceID != mobileID {
		t.Errorf("device ids not exchanged: %s / %s", connA.DeviceID, connB.DeviceID)
	}

	recA, err := mobileStore.Get(carID)
	if err != nil {
		t.Fatalf("mobile record missing: %v", err)
	}
	recB, err := carStore.Get(mobileID)
	if err != nil {
		t.Fatalf("car record missing: %v", err)
	}
	if !bytes.Equal(recA.IdentificationKey, recB.IdentificationKey) {
		t.Error("identification keys differ")
	}

	ct, err := connA.Key.Encrypt([]byte("oob hello"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := connB.Key.Decrypt(ct)
	if err != nil || !bytes.Equal(pt, []byte("oob hello")) {
		t.Errorf("session keys do not interoperate: %v", err)
	}
}

// TestApplicationMessagingAfterHandoff 交付后的消息流可收发应用消息
func TestApplicationMessagingAfterHandoff(t *testing.T) {
	mobileStore, carStore := storage.NewMemoryStore(), storage.NewMemoryStore()
	connA, connB := associate(t, uuid.New(), uuid.New(), mobileStore, carStore)

	received := make(chan []byte, 1)
	connB.Stream.SetCallbacks(&stream.Callbacks{
		OnMessageReceived: func(msg *wire.Message) {
			plain, err := connB.Key.Decrypt(msg.Payload)
			if err != nil {
				t.Errorf("decrypt app message: %v", err)
				return
			}
			received <- plain
		},
	})

	// 跨多个Packet的应用消息
	payload := bytes.Repeat([]byte("navigation update "), 100)
	enc, err := connA.Key.Encrypt(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := connA.Stream.SendMessage(&wire.Message{
		Operation:          wire.OperationClientMessage,
		IsPayloadEncrypted: true,
		Payload:            enc,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Error("application payload mismatch")
		}
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for application message")
	}
}

// TestPinRejectionFailsAttempt 否认配对码导致连接失败
func TestPinRejectionFailsAttempt(t *testing.T) {
	ta, tb := newTransportPair(185)
	mobileStore, carStore := storage.NewMemoryStore(), storage.NewMemoryStore()

	initiator, _ := New(&Options{
		Role: handshake.RoleInitiator, Mode: ModeAssociating,
		Transport: ta, Store: mobileStore, StorageKey: testStorageKey,
	})
	responder, _ := New(&Options{
		Role: handshake.RoleResponder, Mode: ModeAssociating,
		Transport: tb, Store: carStore, StorageKey: testStorageKey,
	})

	ra, rb := newAttemptResult(), newAttemptResult()
	initiator.SetCallbacks(ra.callbacks())
	responder.SetCallbacks(rb.callbacks())

	if err := responder.Start(); err != nil {
		t.Fatal(err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatal(err)
	}

	ra.waitCode(t)
	rb.waitCode(t)
	initiator.NotifyPinNotValidated()

	cerr := ra.waitFailed(t)
	if cerr.Reason != ReasonHandshakeFailed {
		t.Errorf("initiator reason %s", cerr.Reason)
	}
	// 对端表现为链路掉线
	if cerr := rb.waitFailed(t); cerr.Reason != ReasonTransportFault {
		t.Errorf("responder reason %s", cerr.Reason)
	}

	if cars, _ := mobileStore.List(); len(cars) != 0 {
		t.Error("no credentials should be saved on rejection")
	}
}

// TestReconnectionEndToEnd 配对后的续连全流程（含密钥轮换）
func TestReconnectionEndToEnd(t *testing.T) {
	mobileID, carID := uuid.New(), uuid.New()
	mobileStore, carStore := storage.NewMemoryStore(), storage.NewMemoryStore()

	firstA, _ := associate(t, mobileID, carID, mobileStore, carStore)
	firstSessionID := firstA.Key.UniqueSessionID()

	recA, _ := mobileStore.Get(carID)
	recB, _ := carStore.Get(mobileID)
	oldBlobA := append([]byte(nil), recA.EncryptedSessionKey...)

	ta, tb := newTransportPair(185)
	initiator, err := New(&Options{
		Role: handshake.RoleInitiator, Mode: ModeReconnecting,
		Transport: ta, Store: mobileStore, StorageKey: testStorageKey,
		LocalDeviceID: mobileID, Car: recA,
	})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := New(&Options{
		Role: handshake.RoleResponder, Mode: ModeReconnecting,
		Transport: tb, Store: carStore, StorageKey: testStorageKey,
		LocalDeviceID: carID, Car: recB,
	})
	if err != nil {
		t.Fatal(err)
	}

	ra, rb := newAttemptResult(), newAttemptResult()
	initiator.SetCallbacks(ra.callbacks())
	responder.SetCallbacks(rb.callbacks())

	if err := responder.Start(); err != nil {
		t.Fatal(err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatal(err)
	}

	connA := ra.waitConnected(t)
	connB := rb.waitConnected(t)

	// 续连不展示配对码
	select {
	case code := <-ra.code:
		t.Errorf("unexpected verification code on reconnection: %s", code)
	default:
	}

	if bytes.Equal(connA.Key.UniqueSessionID(), firstSessionID) {
		t.Error("reconnection must derive a fresh session")
	}
	if !bytes.Equal(connA.Key.UniqueSessionID(), connB.Key.UniqueSessionID()) {
		t.Error("session ids differ between sides")
	}

	// 落盘密钥已轮换
	recA2, _ := mobileStore.Get(carID)
	if bytes.Equal(recA2.EncryptedSessionKey, oldBlobA) {
		t.Error("stored session key not rotated")
	}
}

// TestReconnectionWrongIdentKey 识别密钥不一致时存活校验失败
func TestReconnectionWrongIdentKey(t *testing.T) {
	mobileID, carID := uuid.New(), uuid.New()
	mobileStore, carStore := storage.NewMemoryStore(), storage.NewMemoryStore()
	associate(t, mobileID, carID, mobileStore, carStore)

	recA, _ := mobileStore.Get(carID)
	recB, _ := carStore.Get(mobileID)

	// 移动端的识别密钥被破坏
	recA.IdentificationKey[0] ^= 0xFF

	ta, tb := newTransportPair(185)
	initiator, _ := New(&Options{
		Role: handshake.RoleInitiator, Mode: ModeReconnecting,
		Transport: ta, Store: mobileStore, StorageKey: testStorageKey,
		LocalDeviceID: mobileID, Car: recA,
	})
	responder, _ := New(&Options{
		Role: handshake.RoleResponder, Mode: ModeReconnecting,
		Transport: tb, Store: carStore, StorageKey: testStorageKey,
		LocalDeviceID: carID, Car: recB,
	})

	ra, rb := newAttemptResult(), newAttemptResult()
	initiator.SetCallbacks(ra.callbacks())
	responder.SetCallbacks(rb.callbacks())

	if err := responder.Start(); err != nil {
		t.Fatal(err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatal(err)
	}

	cerr := ra.waitFailed(t)
	if cerr.Reason != ReasonReconnectAuthFailed {
		t.Errorf("initiator reason %s, want ReconnectAuthFailed", cerr.Reason)
	}
	rb.waitFailed(t)
}

// TestVersionNegotiation 版本协商取最高共同版本，无交集失败
func TestVersionNegotiation(t *testing.T) {
	ver, err := negotiateVersion(&wire.VersionExchange{
		MinSupportedMessagingVersion: 2, MaxSupportedMessagingVersion: 5,
		MinSupportedSecurityVersion: 3, MaxSupportedSecurityVersion: 9,
	})
	if err != nil {
		t.Fatalf("negotiation failed: %v", err)
	}
	if ver.messaging != maxMessagingVersion || ver.security != maxSecurityVersion {
		t.Errorf("negotiated %+v", ver)
	}

	if _, err := negotiateVersion(&wire.VersionExchange{
		MinSupportedMessagingVersion: 2, MaxSupportedMessagingVersion: 3,
		MinSupportedSecurityVersion: 7, MaxSupportedSecurityVersion: 9,
	}); err == nil {
		t.Error("disjoint security range accepted")
	}

	if _, err := negotiateVersion(&wire.VersionExchange{
		MinSupportedMessagingVersion: 9, MaxSupportedMessagingVersion: 9,
		MinSupportedSecurityVersion: 2, MaxSupportedSecurityVersion: 4,
	}); err == nil {
		t.Error("disjoint messaging range accepted")
	}
}

// TestNewValidation 构造参数校验
func TestNewValidation(t *testing.T) {
	ta, _ := newTransportPair(185)
	store := storage.NewMemoryStore()

	if _, err := New(nil); err == nil {
		t.Error("nil options accepted")
	}
	if _, err := New(&Options{Transport: ta, Store: store, StorageKey: []byte("short")}); err != ErrBadStorageKey {
		t.Errorf("bad storage key: %v", err)
	}
	if _, err := New(&Options{
		Role: handshake.RoleInitiator, Mode: ModeReconnecting,
		Transport: ta, Store: store, StorageKey: testStorageKey,
	}); err != ErrMissingCar {
		t.Errorf("reconnect without car record: %v", err)
	}
}
