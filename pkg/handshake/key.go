package handshake

import (
	"fmt"

	"github.com/junbin-yang/carlink-go/pkg/utils/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

// 密钥序列化格式版本
const keySerialVersion = 1

// Key 已建立会话的加密密钥
// 只有握手到达Finished后才会产生；UniqueSessionID只用于会话续连证明，
// 从不作为密钥本身在链路上传输
type Key struct {
	keyBytes []byte // AES-256-GCM密钥（32字节）
	uniqueID []byte // 会话唯一ID（32字节摘要）
}

// newKey 由派生材料构造Key
func newKey(keyBytes, uniqueID []byte) *Key {
	return &Key{
		keyBytes: append([]byte(nil), keyBytes...),
		uniqueID: append([]byte(nil), uniqueID...),
	}
}

// Encrypt 加密数据（AES-256-GCM，输出IV+密文+标签）
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	return crypto.EncryptAESGCM(k.keyBytes, plaintext)
}

// Decrypt 解密数据
func (k *Key) Decrypt(cipherData []byte) ([]byte, error) {
	return crypto.DecryptAESGCM(k.keyBytes, cipherData)
}

// UniqueSessionID 会话唯一ID（32字节，抗碰撞摘要）
func (k *Key) UniqueSessionID() []byte {
	return append([]byte(nil), k.uniqueID...)
}

// Serialize 序列化Key（protobuf编码：版本、密钥、会话唯一ID）
// 序列化结果含密钥本体，持久化前必须另行加密
func (k *Key) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, keySerialVersion)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, k.keyBytes)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, k.uniqueID)
	return b
}

// DeserializeKey 反序列化Key
func DeserializeKey(data []byte) (*Key, error) {
	var version uint64
	var keyBytes, uniqueID []byte

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("key: invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("key: invalid version: %w", protowire.ParseError(n))
			}
			version = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("key: invalid key bytes: %w", protowire.ParseError(n))
			}
			keyBytes = append([]byte(nil), v...)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("key: invalid session id: %w", protowire.ParseError(n))
			}
			uniqueID = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("key: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if version != keySerialVersion {
		return nil, fmt.Errorf("key: unsupported version %d", version)
	}
	if len(keyBytes) != crypto.SessionKeyLen {
		return nil, fmt.Errorf("key: invalid key length %d", len(keyBytes))
	}
	if len(uniqueID) != sessionIDLen {
		return nil, fmt.Errorf("key: invalid session id length %d", len(uniqueID))
	}

	return &Key{keyBytes: keyBytes, uniqueID: uniqueID}, nil
}
