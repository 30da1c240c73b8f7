package transport

import (
	"fmt"
	"net"
	"sync"

	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
)

// AcceptHandler 新链路接入回调
type AcceptHandler func(t Transport)

// TCPListener 车机侧的TCP监听器
// 每个接入的连接包装为一个Transport交给上层，由上层各自驱动连接生命周期
type TCPListener struct {
	addr         string
	maxWriteSize int
	handler      AcceptHandler

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewTCPListener 创建TCP监听器
// 参数：
//   - addr：监听地址（host:port）
//   - maxWriteSize：接入链路的单次写入上限
//   - handler：新链路接入回调
func NewTCPListener(addr string, maxWriteSize int, handler AcceptHandler) *TCPListener {
	return &TCPListener{
		addr:         addr,
		maxWriteSize: maxWriteSize,
		handler:      handler,
	}
}

// Start 开始监听并启动accept循环
func (l *TCPListener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Infof("[TRANSPORT] Listening on %s", ln.Addr())

	go l.acceptLoop(ln)
	return nil
}

// Addr 实际监听地址（端口为0时由系统分配）
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop 停止监听（已接入的链路不受影响）
func (l *TCPListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.listener != nil {
		l.listener.Close()
	}
	log.Infof("[TRANSPORT] Listener stopped")
}

// acceptLoop 接入循环
func (l *TCPListener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				log.Errorf("[TRANSPORT] Accept failed: %v", err)
			}
			return
		}

		log.Infof("[TRANSPORT] Accepted connection from %s", conn.RemoteAddr())

		t := NewAcceptedTCPTransport(conn, conn.RemoteAddr().String(), l.maxWriteSize)
		if l.handler != nil {
			l.handler(t)
		}
	}
}
