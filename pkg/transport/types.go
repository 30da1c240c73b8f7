// Package transport 定义无线链路的能力边界
// 核心代码只依赖Transport接口；真正的蓝牙/SPP实现由外部提供，
// 包内自带一个带长度前缀分帧的TCP适配器用于联调和集成测试
package transport

const (
	// DefaultMaxWriteSize 默认单次写入上限（模拟小MTU链路）
	DefaultMaxWriteSize = 185

	// RecvFrameMaxSize 接收帧长度上限，超出视为协议违例
	RecvFrameMaxSize = 64 * 1024
)

// Callbacks 链路事件回调集合
// 回调由transport的事件分发goroutine串行调用
type Callbacks struct {
	// OnConnected 链路建立成功时触发
	OnConnected func()

	// OnConnectionFailed 链路建立失败时触发
	OnConnectionFailed func(err error)

	// OnDisconnected 链路断开时触发（无论主动还是被动）
	OnDisconnected func()

	// OnMessageReceived 收到一次完整写入的数据时触发
	OnMessageReceived func(data []byte)

	// OnMessageSent 某次写入真正落到链路后触发
	// 保证与SendMessage的提交顺序一致
	OnMessageSent func(writeID int32)
}

// Transport 无线链路能力接口
type Transport interface {
	// Connect 建立链路，结果通过OnConnected/OnConnectionFailed回调
	Connect() error

	// Disconnect 断开链路，任意状态下调用都安全
	Disconnect()

	// SendMessage 提交一次写入，返回写入ID；链路不可用时ok=false
	SendMessage(data []byte) (writeID int32, ok bool)

	// MaxWriteSize 单次写入的最大字节数
	MaxWriteSize() int

	// DeviceName 对端设备名称（用于日志和配对展示）
	DeviceName() string

	// SetCallbacks 注册事件回调，必须在Connect之前调用
	SetCallbacks(cb *Callbacks)
}
