package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DeviceInfo 配对阶段交换的设备信息（总是加密传输）
// 发起方携带自己的设备ID和新生成的识别密钥；
// 应答方只回自己的设备ID，识别密钥字段为空
type DeviceInfo struct {
	DeviceID          []byte // 设备ID（UUID的16字节）
	IdentificationKey []byte // 长期识别密钥（可选）
}

// Encode 将DeviceInfo编码为protobuf字节流
func (d *DeviceInfo) Encode() []byte {
	var b []byte
	if len(d.DeviceID) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, d.DeviceID)
	}
	if len(d.IdentificationKey) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.IdentificationKey)
	}
	return b
}

// DecodeDeviceInfo 将protobuf字节流解码为DeviceInfo
func DecodeDeviceInfo(data []byte) (*DeviceInfo, error) {
	d := &DeviceInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("device info: invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("device info: invalid device id: %w", protowire.ParseError(n))
			}
			d.DeviceID = append([]byte(nil), v...)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("device info: invalid identification key: %w", protowire.ParseError(n))
			}
			d.IdentificationKey = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("device info: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return d, nil
}
