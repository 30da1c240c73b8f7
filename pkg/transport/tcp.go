package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
)

// 帧头长度（4字节小端的负载长度）
const frameHeaderSize = 4

// pendingWrite 待发送的一次写入
type pendingWrite struct {
	id   int32
	data []byte
}

// TCPTransport 带长度前缀分帧的TCP链路适配器
// 写入走独立的发送goroutine，保证OnMessageSent与提交顺序一致
type TCPTransport struct {
	remoteAddr   string
	deviceName   string
	maxWriteSize int

	mu        sync.Mutex
	conn      net.Conn
	cb        *Callbacks
	sendQueue chan *pendingWrite
	done      chan struct{}
	closed    bool
	nextWrite int32
}

// NewTCPTransport 创建主动连接的TCP链路
// 参数：
//   - remoteAddr：对端地址（host:port）
//   - deviceName：对端设备名称
//   - maxWriteSize：单次写入上限（<=0使用默认值）
func NewTCPTransport(remoteAddr, deviceName string, maxWriteSize int) *TCPTransport {
	if maxWriteSize <= 0 {
		maxWriteSize = DefaultMaxWriteSize
	}
	return &TCPTransport{
		remoteAddr:   remoteAddr,
		deviceName:   deviceName,
		maxWriteSize: maxWriteSize,
		done:         make(chan struct{}),
	}
}

// NewAcceptedTCPTransport 由已接受的连接创建TCP链路（服务端侧）
func NewAcceptedTCPTransport(conn net.Conn, deviceName string, maxWriteSize int) *TCPTransport {
	t := NewTCPTransport("", deviceName, maxWriteSize)
	t.conn = conn
	return t
}

// SetCallbacks 注册事件回调
func (t *TCPTransport) SetCallbacks(cb *Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

// MaxWriteSize 单次写入的最大字节数
func (t *TCPTransport) MaxWriteSize() int { return t.maxWriteSize }

// DeviceName 对端设备名称
func (t *TCPTransport) DeviceName() string { return t.deviceName }

// Connect 建立链路并启动收发goroutine
func (t *TCPTransport) Connect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport already closed")
	}

	if t.conn == nil {
		conn, err := net.Dial("tcp", t.remoteAddr)
		if err != nil {
			cb := t.cb
			t.mu.Unlock()
			log.Errorf("[TRANSPORT] Connect to %s failed: %v", t.remoteAddr, err)
			if cb != nil && cb.OnConnectionFailed != nil {
				cb.OnConnectionFailed(err)
			}
			return fmt.Errorf("dial %s failed: %w", t.remoteAddr, err)
		}
		t.conn = conn
	}

	t.sendQueue = make(chan *pendingWrite, 64)
	conn := t.conn
	cb := t.cb
	t.mu.Unlock()

	go t.writeLoop(conn)
	go t.readLoop(conn)

	log.Infof("[TRANSPORT] Connected: peer=%s, maxWriteSize=%d", conn.RemoteAddr(), t.maxWriteSize)

	if cb != nil && cb.OnConnected != nil {
		cb.OnConnected()
	}
	return nil
}

// Disconnect 主动断开链路（幂等，任意状态下调用都安全）
func (t *TCPTransport) Disconnect() {
	if t.shutdown() {
		log.Infof("[TRANSPORT] Disconnected: %s", t.deviceName)
	}
}

// shutdown 关闭链路，返回是否由本次调用完成关闭
func (t *TCPTransport) shutdown() bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	if conn != nil {
		conn.Close()
	}
	return true
}

// SendMessage 提交一次写入
// 返回写入ID；链路已关闭时ok=false
func (t *TCPTransport) SendMessage(data []byte) (int32, bool) {
	if len(data) > t.maxWriteSize {
		log.Errorf("[TRANSPORT] Write too large: %d > %d", len(data), t.maxWriteSize)
		return 0, false
	}

	t.mu.Lock()
	if t.closed || t.sendQueue == nil {
		t.mu.Unlock()
		return 0, false
	}
	t.nextWrite++
	id := t.nextWrite
	queue := t.sendQueue
	buf := make([]byte, len(data))
	copy(buf, data)
	t.mu.Unlock()

	select {
	case queue <- &pendingWrite{id: id, data: buf}:
		return id, true
	case <-t.done:
		return 0, false
	}
}

// writeLoop 发送循环：逐个写入并按序回调OnMessageSent
func (t *TCPTransport) writeLoop(conn net.Conn) {
	for {
		var w *pendingWrite
		select {
		case w = <-t.sendQueue:
		case <-t.done:
			return
		}

		header := make([]byte, frameHeaderSize)
		binary.LittleEndian.PutUint32(header, uint32(len(w.data)))

		if _, err := conn.Write(header); err != nil {
			log.Errorf("[TRANSPORT] Write header failed: %v", err)
			t.onLinkError()
			return
		}
		if _, err := conn.Write(w.data); err != nil {
			log.Errorf("[TRANSPORT] Write data failed: %v", err)
			t.onLinkError()
			return
		}

		log.Debugf("[TRANSPORT] Sent write %d (%d bytes)", w.id, len(w.data))

		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		if cb != nil && cb.OnMessageSent != nil {
			cb.OnMessageSent(w.id)
		}
	}
}

// readLoop 接收循环：按帧读取并回调OnMessageReceived
func (t *TCPTransport) readLoop(conn net.Conn) {
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if err != io.EOF {
				log.Debugf("[TRANSPORT] Read header failed: %v", err)
			}
			t.onLinkError()
			return
		}

		frameLen := binary.LittleEndian.Uint32(header)
		if frameLen == 0 || frameLen > RecvFrameMaxSize {
			log.Errorf("[TRANSPORT] Invalid frame length: %d", frameLen)
			t.onLinkError()
			return
		}

		data := make([]byte, frameLen)
		if _, err := io.ReadFull(conn, data); err != nil {
			log.Debugf("[TRANSPORT] Read frame failed: %v", err)
			t.onLinkError()
			return
		}

		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		if cb != nil && cb.OnMessageReceived != nil {
			cb.OnMessageReceived(data)
		}
	}
}

// onLinkError 链路异常断开的善后：关闭并通知上层
func (t *TCPTransport) onLinkError() {
	if !t.shutdown() {
		return
	}

	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb != nil && cb.OnDisconnected != nil {
		cb.OnDisconnected()
	}
}
