package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// HkdfExpand 使用HKDF-SHA256从输入密钥材料派生指定长度的密钥
// 参数：
//   - secret：输入密钥材料
//   - salt：盐值（可为nil）
//   - info：上下文信息（区分不同用途的派生密钥）
//   - length：期望的输出长度
// 返回：
//   - 派生的密钥字节
//   - 错误信息
func HkdfExpand(secret, salt, info []byte, length int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("HKDF输入密钥材料不能为空")
	}

	reader := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := reader.Read(out); err != nil {
		return nil, fmt.Errorf("HKDF派生密钥失败: %w", err)
	}
	return out, nil
}

// HmacSHA256 计算HMAC-SHA256
// 参数：
//   - key：HMAC密钥
//   - message：待认证的消息
// 返回：
//   - 32字节MAC值
func HmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// ConstantTimeEqual 常量时间比较两个字节序列
// 用于MAC校验，避免时序侧信道
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
