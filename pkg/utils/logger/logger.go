package logger

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level 日志级别
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	FatalLevel = zapcore.FatalLevel
)

// Logger 基于zap封装的日志器
type Logger struct {
	zl    *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = newConsole(InfoLevel)
)

// New 创建日志器，输出到指定Writer
// 参数：
//   - out：日志输出目标（文件、轮转Writer等）
//   - level：初始日志级别
func New(out io.Writer, level Level) *Logger {
	atomicLevel := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), atomicLevel)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &Logger{
		zl:    zl,
		sugar: zl.Sugar(),
		level: atomicLevel,
	}
}

// newConsole 创建输出到标准输出的默认日志器
func newConsole(level Level) *Logger {
	return New(os.Stdout, level)
}

// ReplaceDefault 替换默认日志器
func ReplaceDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default 获取默认日志器
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetLevel 设置日志级别
func SetLevel(level Level) {
	Default().level.SetLevel(level)
}

// Sync 刷新缓冲的日志
func Sync() error {
	return Default().zl.Sync()
}

func Debugf(format string, args ...interface{}) { Default().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Default().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Default().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Default().sugar.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { Default().sugar.Fatalf(format, args...) }

func Debug(args ...interface{}) { Default().sugar.Debug(args...) }
func Info(args ...interface{})  { Default().sugar.Info(args...) }
func Warn(args ...interface{})  { Default().sugar.Warn(args...) }
func Error(args ...interface{}) { Default().sugar.Error(args...) }
