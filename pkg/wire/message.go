// Package wire 定义设备与车机之间交换的二进制消息格式
// 所有消息都是protobuf编码，手工使用protowire编解码（消息结构很小且稳定）
// 解码时跳过未知字段；字段格式非法则返回错误，由上层按协议违例处理
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Operation 逻辑消息的操作类型
type Operation int32

const (
	OperationUnknown             Operation = 0
	OperationEncryptionHandshake Operation = 2 // 加密握手消息
	OperationAck                 Operation = 3 // 确认消息
	OperationClientMessage       Operation = 4 // 应用消息
	OperationQuery               Operation = 5 // 查询
	OperationQueryResponse       Operation = 6 // 查询响应
)

// Message 逻辑消息（由一个或多个Packet重组而来）
type Message struct {
	Operation          Operation // 操作类型
	IsPayloadEncrypted bool      // 负载是否加密
	Recipient          []byte    // 特性路由ID（可选）
	Payload            []byte    // 消息负载
	OriginalSize       uint32    // 压缩前字节数（0=未压缩）
}

// Message字段编号
const (
	msgFieldOperation = 1
	msgFieldEncrypted = 2
	msgFieldRecipient = 3
	msgFieldPayload   = 4
	msgFieldOrigSize  = 5
)

// Encode 将Message编码为protobuf字节流
func (m *Message) Encode() []byte {
	var b []byte
	if m.Operation != 0 {
		b = protowire.AppendTag(b, msgFieldOperation, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Operation))
	}
	if m.IsPayloadEncrypted {
		b = protowire.AppendTag(b, msgFieldEncrypted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if len(m.Recipient) > 0 {
		b = protowire.AppendTag(b, msgFieldRecipient, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Recipient)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, msgFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.OriginalSize != 0 {
		b = protowire.AppendTag(b, msgFieldOrigSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.OriginalSize))
	}
	return b
}

// DecodeMessage 将protobuf字节流解码为Message
func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("message: invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == msgFieldOperation && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("message: invalid operation: %w", protowire.ParseError(n))
			}
			m.Operation = Operation(v)
			data = data[n:]
		case num == msgFieldEncrypted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("message: invalid encrypted flag: %w", protowire.ParseError(n))
			}
			m.IsPayloadEncrypted = v != 0
			data = data[n:]
		case num == msgFieldRecipient && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("message: invalid recipient: %w", protowire.ParseError(n))
			}
			m.Recipient = append([]byte(nil), v...)
			data = data[n:]
		case num == msgFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("message: invalid payload: %w", protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			data = data[n:]
		case num == msgFieldOrigSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("message: invalid original size: %w", protowire.ParseError(n))
			}
			m.OriginalSize = uint32(v)
			data = data[n:]
		default:
			// 跳过未知字段
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("message: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}
