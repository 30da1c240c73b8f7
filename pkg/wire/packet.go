package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Packet 链路层数据包：一条逻辑消息按maxWriteSize切分后的单元
// 仅在Packetizer内部产生和消费，从不持久化
type Packet struct {
	PacketNumber uint32 // 包序号（从1开始）
	TotalPackets int32  // 本消息的总包数
	MessageID    int32  // 消息ID（连接内唯一）
	Payload      []byte // 本包负载
}

// Packet字段编号
const (
	pktFieldNumber  = 1
	pktFieldTotal   = 2
	pktFieldMsgID   = 3
	pktFieldPayload = 4
)

// Encode 将Packet编码为protobuf字节流
func (p *Packet) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, pktFieldNumber, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, p.PacketNumber)
	b = protowire.AppendTag(b, pktFieldTotal, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(p.TotalPackets)))
	b = protowire.AppendTag(b, pktFieldMsgID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(p.MessageID)))
	if len(p.Payload) > 0 {
		b = protowire.AppendTag(b, pktFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	return b
}

// DecodePacket 将protobuf字节流解码为Packet
func DecodePacket(data []byte) (*Packet, error) {
	p := &Packet{}
	seenNumber := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("packet: invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == pktFieldNumber && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, fmt.Errorf("packet: invalid packet number: %w", protowire.ParseError(n))
			}
			p.PacketNumber = v
			seenNumber = true
			data = data[n:]
		case num == pktFieldTotal && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("packet: invalid total packets: %w", protowire.ParseError(n))
			}
			p.TotalPackets = int32(uint32(v))
			data = data[n:]
		case num == pktFieldMsgID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("packet: invalid message id: %w", protowire.ParseError(n))
			}
			p.MessageID = int32(uint32(v))
			data = data[n:]
		case num == pktFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("packet: invalid payload: %w", protowire.ParseError(n))
			}
			p.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("packet: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if !seenNumber || p.TotalPackets <= 0 || p.MessageID == 0 {
		return nil, fmt.Errorf("packet: missing required fields (number=%d, total=%d, msgId=%d)",
			p.PacketNumber, p.TotalPackets, p.MessageID)
	}
	return p, nil
}

// PacketHeaderSize 计算给定字段取值下Packet头部（负载之外）的编码字节数
// 参数：
//   - messageID：消息ID
//   - totalPackets：总包数
//   - payloadLen：负载长度（决定长度前缀的varint宽度）
func PacketHeaderSize(messageID, totalPackets int32, payloadLen int) int {
	size := 1 + 4 // packet_number：tag + fixed32
	size += 1 + protowire.SizeVarint(uint64(uint32(totalPackets)))
	size += 1 + protowire.SizeVarint(uint64(uint32(messageID)))
	size += 1 + protowire.SizeVarint(uint64(payloadLen))
	return size
}
