package stream

import "errors"

var (
	// 协议违例（都会立即断开链路，不重试）
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrOutOfOrderPacket = errors.New("out of order packet")
	ErrInvalidMessage   = errors.New("invalid message")

	// 发送相关错误（ErrSendFailed同样终结整个流）
	ErrStreamClosed      = errors.New("message stream closed")
	ErrWriteSizeTooSmall = errors.New("max write size too small for packet header")
	ErrNilMessage        = errors.New("message cannot be nil")
	ErrSendFailed        = errors.New("transport rejected packet write")
)
