package stream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/junbin-yang/carlink-go/pkg/transport"
	"github.com/junbin-yang/carlink-go/pkg/wire"
)

// MockTransport Mock链路（用于测试）
// 记录每次提交的写入，由测试代码手动派发发送确认
type MockTransport struct {
	maxWriteSize int
	writes       [][]byte
	nextWrite    int32
	disconnected bool
	rejectSends  bool
}

func NewMockTransport(maxWriteSize int) *MockTransport {
	return &MockTransport{maxWriteSize: maxWriteSize}
}

func (m *MockTransport) Connect() error              { return nil }
func (m *MockTransport) Disconnect()                 { m.disconnected = true }
func (m *MockTransport) MaxWriteSize() int           { return m.maxWriteSize }
func (m *MockTransport) DeviceName() string          { return "mock-car" }
func (m *MockTransport) SetCallbacks(cb *transport.Callbacks) {}

func (m *MockTransport) SendMessage(data []byte) (int32, bool) {
	if m.rejectSends {
		return 0, false
	}
	if len(data) > m.maxWriteSize {
		return 0, false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.writes = append(m.writes, buf)
	m.nextWrite++
	return m.nextWrite, true
}

// pumpAll 依次确认所有在途写入，直到不再产生新写入
// 返回累计的写入帧
func pumpAll(t *testing.T, s *MessageStream, m *MockTransport) [][]byte {
	t.Helper()
	acked := 0
	for acked < len(m.writes) {
		acked++
		s.ProcessSent(int32(acked))
	}
	return m.writes
}

// deliverAll 把一端的全部写入帧按序投递给另一端
func deliverAll(t *testing.T, frames [][]byte, dst *MessageStream) {
	t.Helper()
	for _, f := range frames {
		if err := dst.ProcessReceived(f); err != nil {
			t.Fatalf("ProcessReceived failed: %v", err)
		}
	}
}

// TestFragmentationRoundTrip 任意长度负载的切分/重组往返
func TestFragmentationRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 100, 185, 500, 4096}

	for _, n := range lengths {
		sender := NewMockTransport(185)
		receiver := NewMockTransport(185)

		out := New(sender, false)
		in := New(receiver, false)

		var received *wire.Message
		in.SetCallbacks(&Callbacks{
			OnMessageReceived: func(msg *wire.Message) { received = msg },
		})

		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}

		msg := &wire.Message{Operation: wire.OperationClientMessage, Payload: payload}
		if _, err := out.SendMessage(msg); err != nil {
			t.Fatalf("len=%d: SendMessage failed: %v", n, err)
		}

		frames := pumpAll(t, out, sender)
		t.Logf("len=%d: %d packets", n, len(frames))
		deliverAll(t, frames, in)

		if received == nil {
			t.Fatalf("len=%d: message not delivered", n)
		}
		if !bytes.Equal(received.Payload, payload) {
			t.Errorf("len=%d: payload mismatch", n)
		}
		if received.Operation != wire.OperationClientMessage {
			t.Errorf("len=%d: operation mismatch: %d", n, received.Operation)
		}
	}
}

// TestPacketCountFormula 包数等于ceil(编码长度/单包容量)
func TestPacketCountFormula(t *testing.T) {
	const maxWriteSize = 128
	sender := NewMockTransport(maxWriteSize)
	out := New(sender, false)

	payload := make([]byte, 1000)
	msg := &wire.Message{Operation: wire.OperationClientMessage, Payload: payload}
	encodedLen := len(msg.Encode())

	messageID, err := out.SendMessage(msg)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	frames := pumpAll(t, out, sender)

	// 从首帧取实际采用的总包数，再按容量公式复核
	first, err := wire.DecodePacket(frames[0])
	if err != nil {
		t.Fatalf("decode first packet: %v", err)
	}
	capacity := maxWriteSize - wire.PacketHeaderSize(messageID, first.TotalPackets, maxWriteSize)
	want := (encodedLen + capacity - 1) / capacity
	if len(frames) != want {
		t.Errorf("packet count %d, want ceil(%d/%d)=%d", len(frames), encodedLen, capacity, want)
	}
	for i, f := range frames {
		if len(f) > maxWriteSize {
			t.Errorf("frame %d exceeds maxWriteSize: %d", i, len(f))
		}
	}
}

// TestSerializedWrites 上一包确认前不提交下一包
func TestSerializedWrites(t *testing.T) {
	sender := NewMockTransport(64)
	out := New(sender, false)

	msg := &wire.Message{Operation: wire.OperationClientMessage, Payload: make([]byte, 300)}
	if _, err := out.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if len(sender.writes) != 1 {
		t.Fatalf("expected exactly 1 in-flight write, got %d", len(sender.writes))
	}

	out.ProcessSent(1)
	if len(sender.writes) != 2 {
		t.Errorf("expected next packet after ack, got %d writes", len(sender.writes))
	}
}

// TestSentCallbackOnLastPacket 末包确认后才回调OnMessageSent
func TestSentCallbackOnLastPacket(t *testing.T) {
	sender := NewMockTransport(64)
	out := New(sender, false)

	var sentID int32
	out.SetCallbacks(&Callbacks{
		OnMessageSent: func(id int32) { sentID = id },
	})

	messageID, err := out.SendMessage(&wire.Message{
		Operation: wire.OperationClientMessage,
		Payload:   make([]byte, 200),
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	total := 0
	for acked := 0; acked < len(sender.writes); {
		acked++
		total++
		if sentID != 0 && acked < len(sender.writes) {
			t.Fatal("OnMessageSent fired before last packet ack")
		}
		out.ProcessSent(int32(acked))
	}

	if sentID != messageID {
		t.Errorf("OnMessageSent id %d, want %d", sentID, messageID)
	}
	t.Logf("message %d sent in %d packets", messageID, total)
}

// TestDuplicateIdempotence 已完成消息的包重复投递被幂等忽略
func TestDuplicateIdempotence(t *testing.T) {
	sender := NewMockTransport(64)
	receiver := NewMockTransport(64)
	out := New(sender, false)
	in := New(receiver, false)

	delivered := 0
	in.SetCallbacks(&Callbacks{
		OnMessageReceived: func(msg *wire.Message) { delivered++ },
	})

	if _, err := out.SendMessage(&wire.Message{
		Operation: wire.OperationClientMessage,
		Payload:   make([]byte, 150),
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	frames := pumpAll(t, out, sender)
	deliverAll(t, frames, in)

	if delivered != 1 {
		t.Fatalf("message delivered %d times", delivered)
	}

	// 重复投递每一个包
	for _, f := range frames {
		if err := in.ProcessReceived(f); err != nil {
			t.Errorf("duplicate packet should be ignored, got %v", err)
		}
	}
	if delivered != 1 {
		t.Errorf("duplicates re-delivered message: %d", delivered)
	}
	if receiver.disconnected {
		t.Error("duplicates must not disconnect")
	}
}

// TestOutOfOrderRejection 乱序包触发断开而不是重组
func TestOutOfOrderRejection(t *testing.T) {
	sender := NewMockTransport(64)
	receiver := NewMockTransport(64)
	out := New(sender, false)
	in := New(receiver, false)

	var violation error
	in.SetCallbacks(&Callbacks{
		OnProtocolViolation: func(err error) { violation = err },
	})

	if _, err := out.SendMessage(&wire.Message{
		Operation: wire.OperationClientMessage,
		Payload:   make([]byte, 400),
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	frames := pumpAll(t, out, sender)
	if len(frames) < 3 {
		t.Fatalf("need a multi-packet message, got %d packets", len(frames))
	}

	// 第1包之后直接投递末包
	if err := in.ProcessReceived(frames[0]); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	if err := in.ProcessReceived(frames[len(frames)-1]); err == nil {
		t.Fatal("out-of-order packet should fail")
	}

	if !receiver.disconnected {
		t.Error("out-of-order packet must disconnect")
	}
	if violation == nil {
		t.Error("violation callback not fired")
	}
}

// TestUnparseableBytesDisconnect 不可解析的字节触发断开
func TestUnparseableBytesDisconnect(t *testing.T) {
	receiver := NewMockTransport(64)
	in := New(receiver, false)

	if err := in.ProcessReceived([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err == nil {
		t.Fatal("garbage should fail")
	}
	if !receiver.disconnected {
		t.Error("garbage must disconnect")
	}
}

// TestCompressionRoundTrip 压缩只在变小时启用，接收端透明还原
func TestCompressionRoundTrip(t *testing.T) {
	sender := NewMockTransport(185)
	receiver := NewMockTransport(185)
	out := New(sender, true)
	in := New(receiver, true)

	var received *wire.Message
	in.SetCallbacks(&Callbacks{
		OnMessageReceived: func(msg *wire.Message) { received = msg },
	})

	// 高度可压缩的负载
	payload := bytes.Repeat([]byte("carlink"), 400)
	if _, err := out.SendMessage(&wire.Message{
		Operation: wire.OperationClientMessage,
		Payload:   payload,
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	frames := pumpAll(t, out, sender)
	t.Logf("compressed %d bytes into %d packets", len(payload), len(frames))

	deliverAll(t, frames, in)
	if received == nil {
		t.Fatal("message not delivered")
	}
	if !bytes.Equal(received.Payload, payload) {
		t.Error("decompressed payload mismatch")
	}
	if received.OriginalSize != 0 {
		t.Error("original_size should be cleared after decompression")
	}
}

// TestIncompressiblePayloadSentRaw 压缩不减小时原样发送
func TestIncompressiblePayloadSentRaw(t *testing.T) {
	sender := NewMockTransport(185)
	out := New(sender, true)

	// 单字节负载压缩后必然更大
	if _, err := out.SendMessage(&wire.Message{
		Operation: wire.OperationClientMessage,
		Payload:   []byte{0x42},
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	frames := pumpAll(t, out, sender)
	pkt, err := wire.DecodePacket(frames[0])
	if err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	msg, err := wire.DecodeMessage(pkt.Payload)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.OriginalSize != 0 {
		t.Error("incompressible payload should be sent raw")
	}
	if !bytes.Equal(msg.Payload, []byte{0x42}) {
		t.Error("payload altered")
	}
}

// TestDisconnectRequest 零负载断开请求触发链路断开
func TestDisconnectRequest(t *testing.T) {
	sender := NewMockTransport(64)
	receiver := NewMockTransport(64)
	out := New(sender, false)
	in := New(receiver, false)

	delivered := 0
	in.SetCallbacks(&Callbacks{
		OnMessageReceived: func(msg *wire.Message) { delivered++ },
	})

	if err := out.SendDisconnectRequest(); err != nil {
		t.Fatalf("SendDisconnectRequest failed: %v", err)
	}
	frames := pumpAll(t, out, sender)
	deliverAll(t, frames, in)

	if !receiver.disconnected {
		t.Error("disconnect request must disconnect the transport")
	}
	if delivered != 0 {
		t.Error("disconnect request must not surface as a message")
	}
}

// TestSendRejectionFatal 链路拒绝写入终结整个流并上报违例回调
func TestSendRejectionFatal(t *testing.T) {
	sender := NewMockTransport(64)
	out := New(sender, false)

	var violation error
	out.SetCallbacks(&Callbacks{
		OnProtocolViolation: func(err error) { violation = err },
	})

	// 首包被接受，后续包被拒
	if _, err := out.SendMessage(&wire.Message{
		Operation: wire.OperationClientMessage,
		Payload:   make([]byte, 300),
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	sender.rejectSends = true
	out.ProcessSent(1)

	if violation == nil {
		t.Fatal("rejected write must fire the violation callback")
	}
	if !errors.Is(violation, ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", violation)
	}
	if !sender.disconnected {
		t.Error("rejected write must disconnect the transport")
	}
	if _, err := out.SendMessage(&wire.Message{Operation: wire.OperationAck}); err != ErrStreamClosed {
		t.Errorf("stream should be closed after rejection, got %v", err)
	}
}

// TestSendRejectionImmediate 首包即被拒时SendMessage直接报错
func TestSendRejectionImmediate(t *testing.T) {
	sender := NewMockTransport(64)
	sender.rejectSends = true
	out := New(sender, false)

	_, err := out.SendMessage(&wire.Message{Operation: wire.OperationAck})
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", err)
	}
	if !sender.disconnected {
		t.Error("rejected write must disconnect the transport")
	}
}

// TestNoDeliveryAfterViolation 流终结后到达的帧被丢弃，不再触发回调
func TestNoDeliveryAfterViolation(t *testing.T) {
	sender := NewMockTransport(64)
	receiver := NewMockTransport(64)
	out := New(sender, false)
	in := New(receiver, false)

	delivered := 0
	violations := 0
	in.SetCallbacks(&Callbacks{
		OnMessageReceived:   func(msg *wire.Message) { delivered++ },
		OnProtocolViolation: func(err error) { violations++ },
	})

	if _, err := out.SendMessage(&wire.Message{
		Operation: wire.OperationClientMessage,
		Payload:   []byte("after the fault"),
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	frames := pumpAll(t, out, sender)

	if err := in.ProcessReceived([]byte{0xDE, 0xAD}); err == nil {
		t.Fatal("garbage should fail")
	}

	// 违例之后的完整消息帧必须被丢弃
	for _, f := range frames {
		if err := in.ProcessReceived(f); err != nil {
			t.Errorf("post-violation frame should be dropped silently, got %v", err)
		}
	}

	if delivered != 0 {
		t.Error("message delivered after stream was terminated")
	}
	if violations != 1 {
		t.Errorf("violation callback fired %d times, want 1", violations)
	}
}

// TestMessageIDGenerator 消息ID单调分配且跳过0
func TestMessageIDGenerator(t *testing.T) {
	s := New(NewMockTransport(64), false)
	s.nextMessageID = -2 // 即将回绕

	seen := make(map[int32]bool)
	for i := 0; i < 4; i++ {
		id := s.allocMessageID()
		if id == 0 {
			t.Error("message id 0 must be skipped")
		}
		if seen[id] {
			t.Errorf("message id %d reused", id)
		}
		seen[id] = true
	}
}

// TestSendOnClosedStream 关闭后的发送被拒绝
func TestSendOnClosedStream(t *testing.T) {
	s := New(NewMockTransport(64), false)
	s.Close()

	if _, err := s.SendMessage(&wire.Message{Operation: wire.OperationAck}); err != ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}
