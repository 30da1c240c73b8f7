package storage

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
)

// MemoryStore 内存凭据存储
// 进程内测试和联调用；时间来源注入clockwork以便测试使用假时钟
type MemoryStore struct {
	mu    sync.RWMutex
	cars  map[uuid.UUID]*AssociatedCar
	clock clockwork.Clock
}

// NewMemoryStore 创建内存凭据存储（真实时钟）
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock 创建内存凭据存储并注入时钟
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		cars:  make(map[uuid.UUID]*AssociatedCar),
		clock: clock,
	}
}

// Save 保存（或覆盖）一条车辆记录
func (s *MemoryStore) Save(car *AssociatedCar) error {
	if car == nil {
		return ErrNilCar
	}
	if car.DeviceID == uuid.Nil {
		return ErrEmptyDeviceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := cloneCar(car)
	if record.AssociatedAt.IsZero() {
		record.AssociatedAt = s.clock.Now()
	}
	record.LastConnected = s.clock.Now()
	s.cars[car.DeviceID] = record

	log.Infof("[STORAGE] Saved car %s (%s)", car.DeviceID, car.Name)
	return nil
}

// Get 按设备ID读取车辆记录
func (s *MemoryStore) Get(deviceID uuid.UUID) (*AssociatedCar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	car, exists := s.cars[deviceID]
	if !exists {
		return nil, ErrCarNotFound
	}
	return cloneCar(car), nil
}

// List 列出所有已配对车辆
func (s *MemoryStore) List() ([]*AssociatedCar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AssociatedCar, 0, len(s.cars))
	for _, car := range s.cars {
		out = append(out, cloneCar(car))
	}
	return out, nil
}

// UpdateSessionKey 覆盖指定车辆的会话密钥
func (s *MemoryStore) UpdateSessionKey(deviceID uuid.UUID, encryptedSessionKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	car, exists := s.cars[deviceID]
	if !exists {
		return ErrCarNotFound
	}

	car.EncryptedSessionKey = append([]byte(nil), encryptedSessionKey...)
	car.LastConnected = s.clock.Now()

	log.Debugf("[STORAGE] Rotated session key for car %s", deviceID)
	return nil
}

// Remove 删除车辆记录（解除配对）
func (s *MemoryStore) Remove(deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cars[deviceID]; !exists {
		return ErrCarNotFound
	}
	delete(s.cars, deviceID)

	log.Infof("[STORAGE] Removed car %s", deviceID)
	return nil
}
