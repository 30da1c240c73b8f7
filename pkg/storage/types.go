// Package storage 定义已配对车辆凭据的读写契约
// 核心代码只依赖CredentialStore接口；存储技术由外部决定，
// 包内自带内存实现（测试用）和yaml文件实现（单机部署用）
package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCarNotFound   = errors.New("associated car not found")
	ErrNilCar        = errors.New("car record cannot be nil")
	ErrEmptyDeviceID = errors.New("device id cannot be empty")
)

const (
	// IdentificationKeyLen 识别密钥长度（256位HMAC密钥）
	IdentificationKeyLen = 32
)

// AssociatedCar 已配对车辆的凭据记录
// 首次配对成功时创建；EncryptedSessionKey在每次成功（续）连接后被覆盖；
// 解除配对时销毁整条记录
type AssociatedCar struct {
	DeviceID            uuid.UUID `yaml:"device_id"`             // 车辆设备ID
	Name                string    `yaml:"name"`                  // 人类可读名称
	MacAddress          string    `yaml:"mac_address"`           // 链路地址
	IdentificationKey   []byte    `yaml:"identification_key"`    // 长期识别密钥（机密）
	EncryptedSessionKey []byte    `yaml:"encrypted_session_key"` // 最近一次会话密钥（加密存储）
	AssociatedAt        time.Time `yaml:"associated_at"`         // 配对时间
	LastConnected       time.Time `yaml:"last_connected"`        // 最近连接时间
}

// CredentialStore 凭据存储契约
// 读取和成功后的单次写入要求按设备ID原子；跨连接的并发读写竞争
// 由调用方保证同一车辆同时至多一个活动连接来规避
type CredentialStore interface {
	// Save 保存（或覆盖）一条车辆记录
	Save(car *AssociatedCar) error

	// Get 按设备ID读取车辆记录
	Get(deviceID uuid.UUID) (*AssociatedCar, error)

	// List 列出所有已配对车辆
	List() ([]*AssociatedCar, error)

	// UpdateSessionKey 覆盖指定车辆的会话密钥（每次成功连接后的密钥轮换）
	UpdateSessionKey(deviceID uuid.UUID, encryptedSessionKey []byte) error

	// Remove 删除车辆记录（解除配对）
	Remove(deviceID uuid.UUID) error
}

// cloneCar 深拷贝记录，避免调用方改写存储内部状态
func cloneCar(car *AssociatedCar) *AssociatedCar {
	c := *car
	c.IdentificationKey = append([]byte(nil), car.IdentificationKey...)
	c.EncryptedSessionKey = append([]byte(nil), car.EncryptedSessionKey...)
	return &c
}
