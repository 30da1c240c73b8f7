package pending_car

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/carlink-go/pkg/handshake"
	"github.com/junbin-yang/carlink-go/pkg/storage"
	"github.com/junbin-yang/carlink-go/pkg/stream"
	"github.com/junbin-yang/carlink-go/pkg/transport"
	"github.com/junbin-yang/carlink-go/pkg/utils/crypto"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"github.com/junbin-yang/carlink-go/pkg/wire"
)

// phase 连接推进阶段（仅事件循环goroutine读写）
type phase int

const (
	phaseIdle           phase = iota
	phaseVersion              // 等待对端版本能力消息
	phaseLiveness             // 续连：存活挑战/应答
	phaseHandshake            // 握手轮次进行中
	phaseVerification         // 配对：等待双方确认配对码
	phaseDeviceExchange       // 配对：加密交换设备信息
	phaseResume               // 续连：等待续连证明
	phaseAwaitAck             // 等待对端最终确认
	phaseDone                 // 已交付，循环只负责继续泵送消息流事件
)

// 存活挑战长度
const livenessChallengeLen = 16

// Options PendingCar构造参数
type Options struct {
	Role      handshake.Role      // 本端角色
	Mode      Mode                // 配对或续连
	Oob       bool                // 配对时使用OOB校验（需要安全版本>=4）
	Transport transport.Transport // 底层链路
	Store     storage.CredentialStore
	// StorageKey 会话密钥落盘前的本机加密密钥（32字节，来自本机配置）
	StorageKey []byte
	// LocalDeviceID 本端设备ID（零值则随机生成）
	LocalDeviceID uuid.UUID
	// PeerAddress 对端链路地址（写入凭据记录）
	PeerAddress string
	// Car 续连目标的凭据记录（续连模式必填）
	Car   *storage.AssociatedCar
	Clock clockwork.Clock
}

// eventKind 事件类型
type eventKind int

const (
	evConnected eventKind = iota
	evConnectFailed
	evDisconnected
	evRaw
	evSent
	evPinVerified
	evPinRejected
	evCancel
)

// event 事件循环的输入
type event struct {
	kind    eventKind
	data    []byte
	err     error
	writeID int32
}

// PendingCar 单次车辆连接尝试
// 从链路建立到交付（成功）或断开（失败），恰好终止于其中之一；
// 所有推进步骤由同一事件循环goroutine串行执行
type PendingCar struct {
	role       handshake.Role
	mode       Mode
	oob        bool
	t          transport.Transport
	store      storage.CredentialStore
	storageKey []byte
	localID    uuid.UUID
	peerAddr   string
	car        *storage.AssociatedCar
	clock      clockwork.Clock
	cb         *Callbacks

	events chan event
	done   chan struct{}

	mu      sync.Mutex
	started bool

	// 以下状态仅由事件循环goroutine访问
	phase          phase
	version        *negotiatedVersion
	engine         *handshake.Engine
	ms             *stream.MessageStream
	key            *handshake.Key
	prevKey        *handshake.Key
	identKey       []byte
	peerDeviceID   uuid.UUID
	challenge      []byte
	earlyFrames    [][]byte
	localConfirmed bool
	peerConfirmed  bool
	terminal       bool
	stopping       bool
	startedAt      time.Time
}

// New 创建连接尝试
// 参数：
//   - opts：构造参数（Transport、Store、StorageKey必填）
// 返回：
//   - PendingCar实例
//   - 错误信息
func New(opts *Options) (*PendingCar, error) {
	if opts == nil || opts.Transport == nil || opts.Store == nil {
		return nil, errors.New("transport and credential store are required")
	}
	if len(opts.StorageKey) != crypto.SessionKeyLen {
		return nil, ErrBadStorageKey
	}
	if opts.Mode == ModeReconnecting && opts.Car == nil {
		return nil, ErrMissingCar
	}

	localID := opts.LocalDeviceID
	if localID == uuid.Nil {
		localID = uuid.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &PendingCar{
		role:       opts.Role,
		mode:       opts.Mode,
		oob:        opts.Oob,
		t:          opts.Transport,
		store:      opts.Store,
		storageKey: append([]byte(nil), opts.StorageKey...),
		localID:    localID,
		peerAddr:   opts.PeerAddress,
		car:        opts.Car,
		clock:      clock,
		events:     make(chan event, 16),
		done:       make(chan struct{}),
	}, nil
}

// SetCallbacks 注册生命周期回调，必须在Start之前调用
func (p *PendingCar) SetCallbacks(cb *Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

// Start 启动连接尝试
// 结果经回调交付：OnConnected或OnConnectionFailed恰好触发其一
func (p *PendingCar) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	p.startedAt = p.clock.Now()

	p.t.SetCallbacks(&transport.Callbacks{
		OnConnected:        func() { p.post(event{kind: evConnected}) },
		OnConnectionFailed: func(err error) { p.post(event{kind: evConnectFailed, err: err}) },
		OnDisconnected:     func() { p.post(event{kind: evDisconnected}) },
		OnMessageReceived:  func(data []byte) { p.post(event{kind: evRaw, data: data}) },
		OnMessageSent:      func(id int32) { p.post(event{kind: evSent, writeID: id}) },
	})

	go p.loop()

	log.Infof("[PENDING_CAR] Start %s attempt: role=%d, peer=%s", p.mode, p.role, p.t.DeviceName())
	return p.t.Connect()
}

// Disconnect 中止连接尝试，任意状态下调用都安全
// 立即拆除链路；已交付后调用只负责关闭消息流
func (p *PendingCar) Disconnect() {
	p.t.Disconnect()
	p.post(event{kind: evCancel})
}

// NotifyPinVerified 调用方确认配对码一致
func (p *PendingCar) NotifyPinVerified() {
	p.post(event{kind: evPinVerified})
}

// NotifyPinNotValidated 调用方否认配对码
func (p *PendingCar) NotifyPinNotValidated() {
	p.post(event{kind: evPinRejected})
}

// post 投递事件；事件循环退出后投递被丢弃
func (p *PendingCar) post(e event) {
	select {
	case p.events <- e:
	case <-p.done:
	}
}

// loop 连接事件循环：逐个消费事件，保证同一连接不存在并发步骤
func (p *PendingCar) loop() {
	defer close(p.done)
	for e := range p.events {
		p.handleEvent(e)
		if p.stopping {
			return
		}
	}
}

// handleEvent 事件分发
func (p *PendingCar) handleEvent(e event) {
	switch e.kind {
	case evConnected:
		p.onTransportConnected()
	case evConnectFailed:
		p.fail(ReasonTransportFault, fmt.Errorf("transport connect failed: %w", e.err))
	case evDisconnected:
		if p.phase == phaseDone {
			log.Infof("[PENDING_CAR] Link closed after hand-off: %s", p.t.DeviceName())
			p.stop()
			return
		}
		p.fail(ReasonTransportFault, errors.New("transport disconnected"))
	case evRaw:
		p.onRawFrame(e.data)
	case evSent:
		if p.ms != nil {
			p.ms.ProcessSent(e.writeID)
		}
	case evPinVerified:
		p.onPinVerified()
	case evPinRejected:
		p.onPinRejected()
	case evCancel:
		log.Infof("[PENDING_CAR] Attempt canceled by caller: %s", p.t.DeviceName())
		p.stop()
	}
}

// onTransportConnected 链路就绪：发送本端版本能力，进入版本协商
func (p *PendingCar) onTransportConnected() {
	if p.phase != phaseIdle {
		return
	}
	p.phase = phaseVersion

	if _, ok := p.t.SendMessage(localVersionExchange().Encode()); !ok {
		p.fail(ReasonTransportFault, errors.New("send version exchange failed"))
		return
	}

	// 对端的首帧可能赶在本端连接事件之前到达
	frames := p.earlyFrames
	p.earlyFrames = nil
	for _, f := range frames {
		if p.terminal {
			return
		}
		p.onRawFrame(f)
	}
}

// onRawFrame 处理链路原始帧
// 版本协商阶段帧本身是VersionExchange；其后所有帧都交给消息流解包
func (p *PendingCar) onRawFrame(data []byte) {
	switch {
	case p.phase == phaseIdle:
		p.earlyFrames = append(p.earlyFrames, data)
	case p.phase == phaseVersion:
		p.onVersionExchange(data)
	case p.ms != nil:
		p.ms.ProcessReceived(data)
	}
}

// onVersionExchange 版本协商：取最高共同版本，无交集立即失败
func (p *PendingCar) onVersionExchange(data []byte) {
	peer, err := wire.DecodeVersionExchange(data)
	if err != nil {
		p.fail(ReasonProtocolViolation, err)
		return
	}

	ver, err := negotiateVersion(peer)
	if err != nil {
		p.fail(ReasonVersionMismatch, err)
		return
	}
	p.version = ver

	compression := ver.messaging >= compressionMessagingVersion
	log.Infof("[PENDING_CAR] Negotiated versions: messaging=%d, security=%d, compression=%v",
		ver.messaging, ver.security, compression)

	p.ms = stream.New(p.t, compression)
	p.ms.SetCallbacks(&stream.Callbacks{
		OnMessageReceived: p.onStreamMessage,
		OnProtocolViolation: func(err error) {
			// 写入被拒是链路故障，不是对端违例
			if errors.Is(err, stream.ErrSendFailed) {
				p.fail(ReasonTransportFault, err)
				return
			}
			p.fail(ReasonProtocolViolation, err)
		},
	})

	switch p.mode {
	case ModeReconnecting:
		p.startReconnection()
	default:
		p.startAssociation()
	}
}

// onStreamMessage 路由一条重组完成的逻辑消息
func (p *PendingCar) onStreamMessage(msg *wire.Message) {
	if p.terminal && p.phase != phaseDone {
		return
	}

	switch p.phase {
	case phaseLiveness:
		p.onLivenessMessage(msg)
	case phaseHandshake:
		p.onHandshakeMessage(msg)
	case phaseVerification:
		p.onVerificationMessage(msg)
	case phaseDeviceExchange:
		p.onAssociationMessage(msg)
	case phaseResume:
		p.onResumeMessage(msg)
	case phaseAwaitAck:
		if p.mode == ModeReconnecting {
			p.onResumeMessage(msg)
		} else {
			p.onAssociationMessage(msg)
		}
	case phaseDone:
		// 交付后、调用方接管回调前到达的应用消息
		log.Debugf("[PENDING_CAR] Message after hand-off: op=%d, %d bytes", msg.Operation, len(msg.Payload))
	default:
		p.fail(ReasonProtocolViolation, fmt.Errorf("unexpected message in phase %d", p.phase))
	}
}

// onHandshakeMessage 推进握手轮次
func (p *PendingCar) onHandshakeMessage(msg *wire.Message) {
	if msg.Operation != wire.OperationEncryptionHandshake {
		p.fail(ReasonProtocolViolation, fmt.Errorf("operation %d during handshake", msg.Operation))
		return
	}

	// 应答方的首条握手消息是发起方的承诺
	if p.role == handshake.RoleResponder && p.engine.State() == handshake.StateUnknown {
		reply, err := p.engine.RespondToInit(msg.Payload)
		if err != nil {
			p.fail(ReasonHandshakeFailed, err)
			return
		}
		p.sendHandshake(reply)
		return
	}

	reply, err := p.engine.ContinueHandshake(msg.Payload)
	if err != nil {
		p.fail(ReasonHandshakeFailed, err)
		return
	}
	if reply != nil {
		p.sendHandshake(reply)
	}

	switch p.engine.State() {
	case handshake.StateVerificationNeeded, handshake.StateOobVerificationNeeded:
		p.enterVerification()
	case handshake.StateResumingSession:
		p.enterResume()
	}
}

// sendHandshake 发送一条握手消息
func (p *PendingCar) sendHandshake(payload []byte) {
	p.sendMessage(&wire.Message{
		Operation: wire.OperationEncryptionHandshake,
		Payload:   payload,
	})
}

// sendMessage 经消息流发送，失败按链路故障处理
func (p *PendingCar) sendMessage(msg *wire.Message) {
	if _, err := p.ms.SendMessage(msg); err != nil {
		p.fail(ReasonTransportFault, err)
	}
}

// encryptKeyAtRest 会话密钥落盘前用本机密钥加密
func (p *PendingCar) encryptKeyAtRest(key *handshake.Key) ([]byte, error) {
	blob, err := crypto.EncryptAESGCM(p.storageKey, key.Serialize())
	if err != nil {
		return nil, fmt.Errorf("encrypt session key for storage failed: %w", err)
	}
	return blob, nil
}

// decryptStoredKey 解密并反序列化落盘的会话密钥
func (p *PendingCar) decryptStoredKey(blob []byte) (*handshake.Key, error) {
	serialized, err := crypto.DecryptAESGCM(p.storageKey, blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt stored session key failed: %w", err)
	}
	return handshake.DeserializeKey(serialized)
}

// succeed 交付连接结果；此后循环只负责泵送消息流事件
func (p *PendingCar) succeed(deviceID uuid.UUID, key *handshake.Key) {
	if p.terminal {
		return
	}
	p.terminal = true
	p.phase = phaseDone

	elapsed := p.clock.Now().Sub(p.startedAt)
	log.Infof("[PENDING_CAR] Connected: device=%s, mode=%s, elapsed=%v", deviceID, p.mode, elapsed)

	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	if cb != nil && cb.OnConnected != nil {
		cb.OnConnected(&ConnectedCar{
			DeviceID: deviceID,
			Name:     p.t.DeviceName(),
			Key:      key,
			Stream:   p.ms,
		})
	}
}

// fail 连接失败：拆链路、回调失败分类，循环退出
func (p *PendingCar) fail(reason Reason, err error) {
	if p.terminal {
		return
	}
	p.terminal = true

	log.Errorf("[PENDING_CAR] Attempt failed: reason=%s, err=%v", reason, err)

	if p.ms != nil {
		p.ms.Close()
	}
	p.t.Disconnect()

	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	if cb != nil && cb.OnConnectionFailed != nil {
		cb.OnConnectionFailed(&ConnectionError{Reason: reason, Err: err})
	}
	p.stopping = true
}

// stop 不触发失败回调的循环终止（调用方主动取消或交付后链路关闭）
func (p *PendingCar) stop() {
	p.terminal = true
	if p.ms != nil {
		p.ms.Close()
	}
	p.t.Disconnect()
	p.stopping = true
}
