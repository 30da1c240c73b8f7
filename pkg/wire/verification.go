package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// VerificationCodeState 配对码确认方式
type VerificationCodeState int32

const (
	VerificationStateUnknown   VerificationCodeState = 0
	VerificationStateOob       VerificationCodeState = 1 // 带外（OOB）确认
	VerificationStateVisual    VerificationCodeState = 2 // 屏显6位码人工比对
	VerificationStateConfirmed VerificationCodeState = 3 // 人工确认完成
)

// VerificationCode 配对码确认消息
// OOB路径下Payload携带加密后的校验值，屏显路径下Payload为空
type VerificationCode struct {
	State   VerificationCodeState
	Payload []byte
}

// Encode 将VerificationCode编码为protobuf字节流
func (v *VerificationCode) Encode() []byte {
	var b []byte
	if v.State != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.State))
	}
	if len(v.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Payload)
	}
	return b
}

// DecodeVerificationCode 将protobuf字节流解码为VerificationCode
func DecodeVerificationCode(data []byte) (*VerificationCode, error) {
	v := &VerificationCode{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("verification code: invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("verification code: invalid state: %w", protowire.ParseError(n))
			}
			v.State = VerificationCodeState(val)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("verification code: invalid payload: %w", protowire.ParseError(n))
			}
			v.Payload = append([]byte(nil), val...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("verification code: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return v, nil
}
