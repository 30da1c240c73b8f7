// Package discovery 实现续连广播：已配对车辆在打开数据流之前广播
// 一段加盐截断HMAC，让移动设备在不暴露明文标识的情况下识别它
package discovery

import (
	"fmt"

	"github.com/junbin-yang/carlink-go/pkg/storage"
	"github.com/junbin-yang/carlink-go/pkg/utils/crypto"
)

const (
	// SaltLen 广播负载中的盐长度
	SaltLen = 16

	// paddedSaltLen 计算HMAC前盐被零填充到的长度
	paddedSaltLen = 32

	// DefaultTruncatedHmacLen 默认的截断HMAC长度
	DefaultTruncatedHmacLen = 8

	// maxTruncatedHmacLen 截断HMAC长度上限（SHA256全长）
	maxTruncatedHmacLen = 32
)

// advertisementHmac 计算广播HMAC：盐零填充到32字节后，
// 用识别密钥做HMAC-SHA256
func advertisementHmac(identificationKey, salt []byte) []byte {
	padded := make([]byte, paddedSaltLen)
	copy(padded, salt)
	return crypto.HmacSHA256(identificationKey, padded)
}

// ComputeAdvertisement 计算续连广播负载：truncated_hmac ‖ salt
// 参数：
//   - identificationKey：长期识别密钥（256位）
//   - salt：16字节盐
//   - hmacLen：截断HMAC长度（<=0使用默认值）
// 返回：
//   - 广播负载字节
//   - 错误信息
func ComputeAdvertisement(identificationKey, salt []byte, hmacLen int) ([]byte, error) {
	if len(identificationKey) != storage.IdentificationKeyLen {
		return nil, fmt.Errorf("identification key must be %d bytes, got %d",
			storage.IdentificationKeyLen, len(identificationKey))
	}
	if len(salt) != SaltLen {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltLen, len(salt))
	}
	if hmacLen <= 0 {
		hmacLen = DefaultTruncatedHmacLen
	}
	if hmacLen > maxTruncatedHmacLen {
		return nil, fmt.Errorf("hmac length %d exceeds %d", hmacLen, maxTruncatedHmacLen)
	}

	mac := advertisementHmac(identificationKey, salt)

	payload := make([]byte, 0, hmacLen+SaltLen)
	payload = append(payload, mac[:hmacLen]...)
	payload = append(payload, salt...)
	return payload, nil
}

// NewAdvertisement 用随机盐计算续连广播负载
func NewAdvertisement(identificationKey []byte, hmacLen int) ([]byte, error) {
	salt, err := crypto.GenerateRandomBytes(SaltLen)
	if err != nil {
		return nil, fmt.Errorf("generate salt failed: %w", err)
	}
	return ComputeAdvertisement(identificationKey, salt, hmacLen)
}

// MatchAdvertisement 用所有已配对车辆的识别密钥逐一重算HMAC，
// 匹配广播负载对应的车辆
// 所有候选都会被完整计算和比较（常量时间比较，不提前短路）
// 参数：
//   - payload：广播负载（truncated_hmac ‖ salt）
//   - hmacLen：截断HMAC长度（<=0使用默认值）
//   - cars：候选车辆记录
// 返回：
//   - 匹配的车辆记录（无匹配时为nil）
//   - 错误信息（负载格式非法）
func MatchAdvertisement(payload []byte, hmacLen int, cars []*storage.AssociatedCar) (*storage.AssociatedCar, error) {
	if hmacLen <= 0 {
		hmacLen = DefaultTruncatedHmacLen
	}
	if len(payload) != hmacLen+SaltLen {
		return nil, fmt.Errorf("advertisement length %d, expected %d", len(payload), hmacLen+SaltLen)
	}

	truncated := payload[:hmacLen]
	salt := payload[hmacLen:]

	var matched *storage.AssociatedCar
	for _, car := range cars {
		if len(car.IdentificationKey) != storage.IdentificationKeyLen {
			continue
		}
		mac := advertisementHmac(car.IdentificationKey, salt)
		if crypto.ConstantTimeEqual(mac[:hmacLen], truncated) && matched == nil {
			matched = car
		}
	}
	return matched, nil
}
