package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// GCM模式常量
	GcmNonceLen = 12                      // GCM模式的Nonce(IV)长度
	GcmTagLen   = 16                      // GCM模式的MAC标签长度
	OverheadLen = GcmNonceLen + GcmTagLen // 总开销（IV + TAG）

	// SessionKeyLen 会话密钥长度（256位）
	SessionKeyLen = 32
)

// GenerateRandomBytes 生成指定长度的随机字节
// 参数：
//   - length：要生成的随机字节数
// 返回：
//   - 随机字节数组
//   - 错误信息
func GenerateRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// EncryptAESGCM 使用AES-256-GCM加密数据，每次调用生成新的随机IV
// 参数：
//   - key：256位密钥（会话密钥或本机落盘密钥）
//   - plaintext：待加密的明文数据
// 返回：
//   - 加密后的数据（格式：IV(12字节) + 密文 + 认证标签(16字节)）
//   - 错误信息
func EncryptAESGCM(key []byte, plaintext []byte) ([]byte, error) {
	if len(key) != SessionKeyLen {
		return nil, fmt.Errorf("密钥长度错误: 期望%d字节，实际%d", SessionKeyLen, len(key))
	}

	iv, err := GenerateRandomBytes(GcmNonceLen)
	if err != nil {
		return nil, fmt.Errorf("生成IV失败: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建cipher失败: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}

	// Seal会自动附加16字节认证标签
	ciphertext := aesgcm.Seal(nil, iv, plaintext, nil)

	// 拼接IV和加密数据（IV在前，密文+标签在后）
	result := make([]byte, len(iv)+len(ciphertext))
	copy(result, iv)
	copy(result[len(iv):], ciphertext)

	return result, nil
}

// DecryptAESGCM 使用AES-256-GCM解密数据
// 参数：
//   - key：256位密钥（与加密时使用的密钥一致）
//   - cipherData：加密后的数据（格式：IV + 密文 + 标签）
// 返回：
//   - 解密后的明文数据
//   - 错误信息（若解密失败或数据无效）
func DecryptAESGCM(key []byte, cipherData []byte) ([]byte, error) {
	if len(key) != SessionKeyLen {
		return nil, fmt.Errorf("密钥长度错误: 期望%d字节，实际%d", SessionKeyLen, len(key))
	}
	if len(cipherData) < OverheadLen {
		return nil, fmt.Errorf("密文长度过短，至少需要%d字节", OverheadLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建cipher失败: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}

	iv := cipherData[:GcmNonceLen]
	ciphertext := cipherData[GcmNonceLen:]

	// Open会验证标签，密钥错误或数据被篡改时返回错误
	plaintext, err := aesgcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("解密失败（可能是密钥错误或数据被篡改）: %w", err)
	}

	return plaintext, nil
}
