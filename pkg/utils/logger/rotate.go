package logger

import (
	"io"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewProductionRotateByTime 创建按时间轮转的日志输出
// 每24小时生成一个新文件，保留7天
// 参数：
//   - filename：日志文件路径
func NewProductionRotateByTime(filename string) io.Writer {
	out, err := rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		// 轮转器创建失败时退回为直接写文件
		return &lumberjack.Logger{Filename: filename}
	}
	return out
}

// NewProductionRotateBySize 创建按大小轮转的日志输出
// 单文件最大100MB，保留7个备份
// 参数：
//   - filename：日志文件路径
func NewProductionRotateBySize(filename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     7,
		Compress:   false,
	}
}
