package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// VersionExchange 连接建立时交换的版本能力消息（明文，仅交换一次）
type VersionExchange struct {
	MinSupportedMessagingVersion int32
	MaxSupportedMessagingVersion int32
	MinSupportedSecurityVersion  int32
	MaxSupportedSecurityVersion  int32
}

// Encode 将VersionExchange编码为protobuf字节流
func (v *VersionExchange) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(v.MinSupportedMessagingVersion)))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(v.MaxSupportedMessagingVersion)))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(v.MinSupportedSecurityVersion)))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(v.MaxSupportedSecurityVersion)))
	return b
}

// DecodeVersionExchange 将protobuf字节流解码为VersionExchange
func DecodeVersionExchange(data []byte) (*VersionExchange, error) {
	v := &VersionExchange{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("version exchange: invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.VarintType || num < 1 || num > 4 {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("version exchange: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		val, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, fmt.Errorf("version exchange: invalid field %d value: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case 1:
			v.MinSupportedMessagingVersion = int32(uint32(val))
		case 2:
			v.MaxSupportedMessagingVersion = int32(uint32(val))
		case 3:
			v.MinSupportedSecurityVersion = int32(uint32(val))
		case 4:
			v.MaxSupportedSecurityVersion = int32(uint32(val))
		}
	}
	return v, nil
}
