package storage

import (
	"encoding/base64"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"gopkg.in/yaml.v2"
)

// carRecord yaml文件中的车辆记录（密钥base64编码）
type carRecord struct {
	DeviceID            string    `yaml:"device_id"`
	Name                string    `yaml:"name"`
	MacAddress          string    `yaml:"mac_address"`
	IdentificationKey   string    `yaml:"identification_key"`
	EncryptedSessionKey string    `yaml:"encrypted_session_key"`
	AssociatedAt        time.Time `yaml:"associated_at"`
	LastConnected       time.Time `yaml:"last_connected"`
}

// FileStore yaml文件凭据存储
// 每次变更整体重写文件，临时文件+rename保证原子性
type FileStore struct {
	*MemoryStore
	path string
}

// NewFileStore 打开（或创建）yaml文件凭据存储
// 参数：
//   - path：凭据文件路径
func NewFileStore(path string) (*FileStore, error) {
	return NewFileStoreWithClock(path, clockwork.NewRealClock())
}

// NewFileStoreWithClock 打开yaml文件凭据存储并注入时钟
func NewFileStoreWithClock(path string, clock clockwork.Clock) (*FileStore, error) {
	s := &FileStore{
		MemoryStore: NewMemoryStoreWithClock(clock),
		path:        path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save 保存记录并落盘
func (s *FileStore) Save(car *AssociatedCar) error {
	if err := s.MemoryStore.Save(car); err != nil {
		return err
	}
	return s.flush()
}

// UpdateSessionKey 轮换会话密钥并落盘
func (s *FileStore) UpdateSessionKey(deviceID uuid.UUID, encryptedSessionKey []byte) error {
	if err := s.MemoryStore.UpdateSessionKey(deviceID, encryptedSessionKey); err != nil {
		return err
	}
	return s.flush()
}

// Remove 删除记录并落盘
func (s *FileStore) Remove(deviceID uuid.UUID) error {
	if err := s.MemoryStore.Remove(deviceID); err != nil {
		return err
	}
	return s.flush()
}

// load 从文件加载全部记录
func (s *FileStore) load() error {
	data, err := ioutil.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read credential file failed: %w", err)
	}

	var records []carRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse credential file failed: %w", err)
	}

	for _, r := range records {
		car, err := recordToCar(&r)
		if err != nil {
			log.Warnf("[STORAGE] Skip corrupt record %q: %v", r.DeviceID, err)
			continue
		}
		s.MemoryStore.mu.Lock()
		s.MemoryStore.cars[car.DeviceID] = car
		s.MemoryStore.mu.Unlock()
	}

	log.Infof("[STORAGE] Loaded %d car(s) from %s", len(records), s.path)
	return nil
}

// flush 整体写回文件（临时文件+rename）
func (s *FileStore) flush() error {
	cars, err := s.List()
	if err != nil {
		return err
	}

	records := make([]carRecord, 0, len(cars))
	for _, car := range cars {
		records = append(records, *carToRecord(car))
	}

	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal credential file failed: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credential file failed: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credential file failed: %w", err)
	}
	return nil
}

func carToRecord(car *AssociatedCar) *carRecord {
	return &carRecord{
		DeviceID:            car.DeviceID.String(),
		Name:                car.Name,
		MacAddress:          car.MacAddress,
		IdentificationKey:   base64.StdEncoding.EncodeToString(car.IdentificationKey),
		EncryptedSessionKey: base64.StdEncoding.EncodeToString(car.EncryptedSessionKey),
		AssociatedAt:        car.AssociatedAt,
		LastConnected:       car.LastConnected,
	}
}

func recordToCar(r *carRecord) (*AssociatedCar, error) {
	id, err := uuid.Parse(r.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id: %w", err)
	}
	identKey, err := base64.StdEncoding.DecodeString(r.IdentificationKey)
	if err != nil {
		return nil, fmt.Errorf("invalid identification key: %w", err)
	}
	sessKey, err := base64.StdEncoding.DecodeString(r.EncryptedSessionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	return &AssociatedCar{
		DeviceID:            id,
		Name:                r.Name,
		MacAddress:          r.MacAddress,
		IdentificationKey:   identKey,
		EncryptedSessionKey: sessKey,
		AssociatedAt:        r.AssociatedAt,
		LastConnected:       r.LastConnected,
	}, nil
}
