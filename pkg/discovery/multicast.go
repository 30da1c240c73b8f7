package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultGroupAddr 默认组播组地址
	DefaultGroupAddr = "239.255.72.85"

	// DefaultGroupPort 默认组播端口
	DefaultGroupPort = 57285

	// multicastTTL 组播TTL
	multicastTTL = 64

	// maxAdvertisementSize 接收缓冲上限
	maxAdvertisementSize = 256

	// DefaultAdvertiseInterval 默认广播间隔
	DefaultAdvertiseInterval = 2 * time.Second
)

var ErrAlreadyRunning = errors.New("discovery already running")

// Advertiser 续连广播发送端（车机侧）
// 周期性向组播组发送广播负载，直到Stop
type Advertiser struct {
	groupAddr *net.UDPAddr
	interval  time.Duration

	mu      sync.Mutex
	conn    *net.UDPConn
	done    chan struct{}
	running bool
}

// NewAdvertiser 创建续连广播发送端
// 参数：
//   - groupAddr：组播地址（空串使用默认组）
//   - interval：广播间隔（<=0使用默认值）
func NewAdvertiser(groupAddr string, interval time.Duration) (*Advertiser, error) {
	if groupAddr == "" {
		groupAddr = fmt.Sprintf("%s:%d", DefaultGroupAddr, DefaultGroupPort)
	}
	addr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group failed: %w", err)
	}
	if interval <= 0 {
		interval = DefaultAdvertiseInterval
	}
	return &Advertiser{groupAddr: addr, interval: interval}, nil
}

// Start 开始周期性广播
// 参数：
//   - payload：广播负载（truncated_hmac ‖ salt）
func (a *Advertiser) Start(payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("create multicast sender failed: %w", err)
	}

	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.SetMulticastTTL(multicastTTL); err != nil {
		conn.Close()
		return fmt.Errorf("set multicast TTL failed: %w", err)
	}
	// 本机不接收自己发出的组播包
	if err := packetConn.SetMulticastLoopback(false); err != nil {
		log.Warnf("[DISCOVERY] Disable multicast loopback failed: %v", err)
	}

	a.conn = conn
	a.done = make(chan struct{})
	a.running = true

	buf := append([]byte(nil), payload...)
	go a.advertiseLoop(buf)

	log.Infof("[DISCOVERY] Advertising %d bytes to %s every %v", len(payload), a.groupAddr, a.interval)
	return nil
}

// Stop 停止广播
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.done)
	a.conn.Close()
	log.Infof("[DISCOVERY] Advertiser stopped")
}

// advertiseLoop 周期发送循环
func (a *Advertiser) advertiseLoop(payload []byte) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.conn.WriteToUDP(payload, a.groupAddr); err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			log.Warnf("[DISCOVERY] Advertise send failed: %v", err)
		}

		select {
		case <-ticker.C:
		case <-a.done:
			return
		}
	}
}

// ScanHandler 收到广播时的回调
type ScanHandler func(payload []byte, from *net.UDPAddr)

// Scanner 续连广播接收端（移动设备侧）
type Scanner struct {
	groupAddr *net.UDPAddr
	handler   ScanHandler

	mu      sync.Mutex
	conn    *net.UDPConn
	running bool
}

// NewScanner 创建续连广播接收端
func NewScanner(groupAddr string, handler ScanHandler) (*Scanner, error) {
	if groupAddr == "" {
		groupAddr = fmt.Sprintf("%s:%d", DefaultGroupAddr, DefaultGroupPort)
	}
	addr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group failed: %w", err)
	}
	return &Scanner{groupAddr: addr, handler: handler}, nil
}

// Start 加入组播组并开始接收
func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, s.groupAddr)
	if err != nil {
		return fmt.Errorf("join multicast group failed: %w", err)
	}
	conn.SetReadBuffer(maxAdvertisementSize)

	s.conn = conn
	s.running = true

	go s.scanLoop(conn)

	log.Infof("[DISCOVERY] Scanning %s", s.groupAddr)
	return nil
}

// Stop 停止接收
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.conn.Close()
	log.Infof("[DISCOVERY] Scanner stopped")
}

// scanLoop 接收循环
func (s *Scanner) scanLoop(conn *net.UDPConn) {
	buf := make([]byte, maxAdvertisementSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				log.Warnf("[DISCOVERY] Scan read failed: %v", err)
			}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		log.Debugf("[DISCOVERY] Advertisement from %s (%d bytes)", from, n)
		if s.handler != nil {
			s.handler(payload, from)
		}
	}
}
