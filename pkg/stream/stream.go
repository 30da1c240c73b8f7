// Package stream 实现消息流（Packetizer/MessageStream）
// 出站：逻辑消息切分为不超过maxWriteSize的Packet序列，严格串行写入
// （上一包的发送确认到达后才提交下一包）；入站：按消息ID重组Packet，
// 严格要求包序递增，乱序或解析失败视为致命协议违例并立即断开链路
package stream

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/junbin-yang/carlink-go/pkg/transport"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"github.com/junbin-yang/carlink-go/pkg/wire"
)

// Callbacks 消息流事件回调集合
type Callbacks struct {
	// OnMessageReceived 一条逻辑消息重组完成时触发
	OnMessageReceived func(msg *wire.Message)

	// OnMessageSent 一条逻辑消息的全部Packet发送完成时触发
	OnMessageSent func(messageID int32)

	// OnProtocolViolation 发生致命协议违例时触发（链路已被请求断开）
	OnProtocolViolation func(err error)
}

// partialMessage 重组中的逻辑消息
type partialMessage struct {
	total int32        // 总包数
	next  uint32       // 期望的下一包序号
	buf   bytes.Buffer // 已收到的负载
}

// inflightPacket 已提交transport、等待发送确认的Packet
type inflightPacket struct {
	writeID   int32 // transport写入ID
	messageID int32 // 所属消息ID
	last      bool  // 是否为该消息的最后一包
}

// MessageStream 消息流：一条链路上的逻辑消息收发器
// 所有方法都由连接的事件循环串行调用；内部互斥锁只为防御性保护
type MessageStream struct {
	t  transport.Transport
	cb *Callbacks

	mu sync.Mutex

	compressionEnabled bool
	closed             bool

	// 发送侧
	nextMessageID int32
	sendQueue     []*wire.Packet
	inflight      *inflightPacket

	// 接收侧
	pending   map[int32]*partialMessage
	completed map[int32]int32 // messageID -> totalPackets（用于重复投递幂等）
}

// New 创建消息流
// 参数：
//   - t：底层链路
//   - compressionEnabled：是否启用负载压缩（由版本协商决定）
func New(t transport.Transport, compressionEnabled bool) *MessageStream {
	return &MessageStream{
		t:                  t,
		compressionEnabled: compressionEnabled,
		pending:            make(map[int32]*partialMessage),
		completed:          make(map[int32]int32),
	}
}

// SetCallbacks 注册回调，必须在收发开始之前调用
func (s *MessageStream) SetCallbacks(cb *Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Close 关闭消息流（不再接受发送，不触发回调）
func (s *MessageStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sendQueue = nil
	s.inflight = nil
}

// SendMessage 发送一条逻辑消息
// 消息被切分为若干Packet入队，按串行写入规则逐包提交transport
// 返回：
//   - 分配的消息ID
//   - 错误信息
func (s *MessageStream) SendMessage(msg *wire.Message) (int32, error) {
	if msg == nil {
		return 0, ErrNilMessage
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}

	// 拷贝一份，压缩不改写调用方的消息
	out := *msg
	if s.compressionEnabled && len(out.Payload) > 0 {
		compressed, err := compressPayload(out.Payload)
		if err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("compress message failed: %w", err)
		}
		// 只有压缩真正变小才采用；original_size=0表示未压缩
		if len(compressed) < len(out.Payload) {
			out.OriginalSize = uint32(len(out.Payload))
			out.Payload = compressed
		}
	}

	messageID := s.allocMessageID()
	encoded := out.Encode()

	packets, err := makePackets(encoded, messageID, s.t.MaxWriteSize())
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}

	log.Debugf("[STREAM] Queue message %d: %d bytes in %d packets", messageID, len(encoded), len(packets))

	s.sendQueue = append(s.sendQueue, packets...)
	err = s.maybeSendNextLocked()
	s.mu.Unlock()

	if err != nil {
		return 0, s.fatal(err)
	}
	return messageID, nil
}

// SendDisconnectRequest 发送零负载断开请求消息
func (s *MessageStream) SendDisconnectRequest() error {
	_, err := s.SendMessage(&wire.Message{})
	return err
}

// ProcessSent 处理transport的发送确认
// 当前在途包确认后，若是消息末包则回调OnMessageSent，并提交下一包
func (s *MessageStream) ProcessSent(writeID int32) {
	s.mu.Lock()

	if s.closed || s.inflight == nil || s.inflight.writeID != writeID {
		s.mu.Unlock()
		return
	}

	done := s.inflight
	s.inflight = nil
	err := s.maybeSendNextLocked()
	cb := s.cb
	s.mu.Unlock()

	if err != nil {
		s.fatal(err)
		return
	}
	if done.last {
		log.Debugf("[STREAM] Message %d fully sent", done.messageID)
		if cb != nil && cb.OnMessageSent != nil {
			cb.OnMessageSent(done.messageID)
		}
	}
}

// ProcessReceived 处理链路收到的原始字节（应为一个编码后的Packet）
// 解析失败、乱序、断开请求都会立即请求断开链路
// 流终结后到达的帧直接丢弃，违例回调至多触发一次
func (s *MessageStream) ProcessReceived(raw []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	pkt, err := wire.DecodePacket(raw)
	if err != nil {
		log.Errorf("[STREAM] Unparseable packet (%d bytes): %v", len(raw), err)
		return s.fatal(fmt.Errorf("%w: %v", ErrInvalidPacket, err))
	}

	s.mu.Lock()

	// 已完整消费的消息的包被重复投递：幂等忽略
	if total, ok := s.completed[pkt.MessageID]; ok && pkt.PacketNumber >= 1 && pkt.PacketNumber <= uint32(total) {
		s.mu.Unlock()
		log.Debugf("[STREAM] Ignore duplicate packet %d of completed message %d", pkt.PacketNumber, pkt.MessageID)
		return nil
	}

	part, exists := s.pending[pkt.MessageID]
	if !exists {
		// 新消息必须从第1包开始
		if pkt.PacketNumber != 1 {
			s.mu.Unlock()
			return s.fatal(fmt.Errorf("%w: message %d started at packet %d",
				ErrOutOfOrderPacket, pkt.MessageID, pkt.PacketNumber))
		}
		part = &partialMessage{total: pkt.TotalPackets, next: 1}
		s.pending[pkt.MessageID] = part
	}

	// 严格顺序：不扩展期望序号即为违例，没有重排缓冲
	if pkt.PacketNumber != part.next || pkt.TotalPackets != part.total || pkt.PacketNumber > uint32(part.total) {
		s.mu.Unlock()
		return s.fatal(fmt.Errorf("%w: message %d expected packet %d/%d, got %d/%d",
			ErrOutOfOrderPacket, pkt.MessageID, part.next, part.total, pkt.PacketNumber, pkt.TotalPackets))
	}

	part.buf.Write(pkt.Payload)
	part.next++

	if pkt.PacketNumber != uint32(part.total) {
		s.mu.Unlock()
		return nil
	}

	// 末包到齐，重组完成
	delete(s.pending, pkt.MessageID)
	s.completed[pkt.MessageID] = part.total
	encoded := part.buf.Bytes()
	cb := s.cb
	s.mu.Unlock()

	msg, err := wire.DecodeMessage(encoded)
	if err != nil {
		log.Errorf("[STREAM] Unparseable message %d: %v", pkt.MessageID, err)
		return s.fatal(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}

	// 零负载、无操作类型的消息是断开请求
	if msg.Operation == wire.OperationUnknown && len(msg.Payload) == 0 {
		log.Infof("[STREAM] Disconnect request received (message %d)", pkt.MessageID)
		s.t.Disconnect()
		return nil
	}

	if msg.OriginalSize > 0 {
		plain, err := decompressPayload(msg.Payload, msg.OriginalSize)
		if err != nil {
			log.Errorf("[STREAM] Decompress message %d failed: %v", pkt.MessageID, err)
			return s.fatal(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		msg.Payload = plain
		msg.OriginalSize = 0
	}

	log.Debugf("[STREAM] Message %d received: op=%d, %d bytes", pkt.MessageID, msg.Operation, len(msg.Payload))

	if cb != nil && cb.OnMessageReceived != nil {
		cb.OnMessageReceived(msg)
	}
	return nil
}

// fatal 协议违例统一处理：断开链路并回调上层
func (s *MessageStream) fatal(err error) error {
	s.mu.Lock()
	cb := s.cb
	s.closed = true
	s.mu.Unlock()

	s.t.Disconnect()
	if cb != nil && cb.OnProtocolViolation != nil {
		cb.OnProtocolViolation(err)
	}
	return err
}

// allocMessageID 分配消息ID：自增回绕，跳过0
func (s *MessageStream) allocMessageID() int32 {
	s.nextMessageID++
	if s.nextMessageID == 0 {
		s.nextMessageID++
	}
	return s.nextMessageID
}

// maybeSendNextLocked 无在途包时提交队首Packet（调用方需持有s.mu）
// 写入被拒返回ErrSendFailed，调用方释放锁后必须走fatal收尾
func (s *MessageStream) maybeSendNextLocked() error {
	if s.inflight != nil || len(s.sendQueue) == 0 || s.closed {
		return nil
	}

	pkt := s.sendQueue[0]
	s.sendQueue = s.sendQueue[1:]

	writeID, ok := s.t.SendMessage(pkt.Encode())
	if !ok {
		log.Errorf("[STREAM] Transport rejected packet %d of message %d", pkt.PacketNumber, pkt.MessageID)
		s.closed = true
		s.sendQueue = nil
		return fmt.Errorf("%w: packet %d of message %d", ErrSendFailed, pkt.PacketNumber, pkt.MessageID)
	}

	s.inflight = &inflightPacket{
		writeID:   writeID,
		messageID: pkt.MessageID,
		last:      pkt.PacketNumber == uint32(pkt.TotalPackets),
	}
	return nil
}

// makePackets 将编码后的消息切分为Packet序列
// 包头中total_packets和负载长度前缀的varint宽度随取值变化，
// 因此容量和总包数需要迭代收敛
func makePackets(encoded []byte, messageID int32, maxWriteSize int) ([]*wire.Packet, error) {
	capacity, total, err := packetCapacity(len(encoded), messageID, maxWriteSize)
	if err != nil {
		return nil, err
	}

	packets := make([]*wire.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(encoded) {
			end = len(encoded)
		}
		packets = append(packets, &wire.Packet{
			PacketNumber: uint32(i + 1), // 包序号从1开始
			TotalPackets: int32(total),
			MessageID:    messageID,
			Payload:      encoded[start:end],
		})
	}
	return packets, nil
}

// packetCapacity 计算单包负载容量和总包数
func packetCapacity(encodedLen int, messageID int32, maxWriteSize int) (int, int, error) {
	total := 1
	for iter := 0; iter < 8; iter++ {
		header := wire.PacketHeaderSize(messageID, int32(total), maxWriteSize)
		capacity := maxWriteSize - header
		if capacity <= 0 {
			return 0, 0, fmt.Errorf("%w: maxWriteSize=%d, header=%d", ErrWriteSizeTooSmall, maxWriteSize, header)
		}

		newTotal := (encodedLen + capacity - 1) / capacity
		if newTotal == 0 {
			newTotal = 1
		}
		if newTotal == total {
			return capacity, total, nil
		}
		total = newTotal
	}
	return 0, 0, fmt.Errorf("packet sizing did not converge (len=%d, maxWriteSize=%d)", encodedLen, maxWriteSize)
}
