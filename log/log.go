// Package log 是 compensable 统一的日志入口
// 1. 底层基于 zap 输出结构化日志
// 2. 写文件时通过 lumberjack 进行切割归档
// 3. 对外暴露 XXXContextf 系列方法, 会把 context 中携带的事务 id 作为字段一并输出
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	// Level 最低输出级别 debug/info/warn/error, 默认 info
	Level string
	// Encoding 输出格式 json/console, 默认 json
	Encoding string
	// Output stdout/stderr 或者文件路径
	Output string
	// 以下参数仅在 Output 为文件路径时生效
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type txIDKey struct{}

var current atomic.Pointer[zap.SugaredLogger]

// callerOptions 跳过本包的一层封装, caller 指向业务代码的调用处
var callerOptions = []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}

func init() {
	logger, err := zap.NewProduction(callerOptions...)
	if err != nil {
		logger = zap.NewNop()
	}
	SetLogger(logger)
}

// Init 根据配置构造全局 logger, 级别非法时返回错误并保留原有 logger
func Init(conf Config) error {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if conf.Level != "" {
		if err := level.UnmarshalText([]byte(conf.Level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", conf.Level, err)
		}
	}

	encoderConf := zap.NewProductionEncoderConfig()
	encoderConf.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConf.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewJSONEncoder(encoderConf)
	if strings.ToLower(conf.Encoding) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConf)
	}

	core := zapcore.NewCore(encoder, writeSyncer(conf), level)
	SetLogger(zap.New(core, callerOptions...))
	return nil
}

func writeSyncer(conf Config) zapcore.WriteSyncer {
	switch strings.ToLower(conf.Output) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	}

	maxSize := conf.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   conf.Output,
		MaxSize:    maxSize,
		MaxBackups: conf.MaxBackups,
		MaxAge:     conf.MaxAgeDays,
		Compress:   conf.Compress,
	})
}

// SetLogger 替换全局 logger, 测试中可以注入 zaptest/observer
func SetLogger(logger *zap.Logger) {
	current.Store(logger.Sugar())
}

// Sync 刷盘
func Sync() error {
	return current.Load().Sync()
}

// WithTXID 把事务 id 放进 context, 后续日志都会带上 txID 字段
func WithTXID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txIDKey{}, txID)
}

func from(ctx context.Context) *zap.SugaredLogger {
	logger := current.Load()
	if ctx == nil {
		return logger
	}
	if txID, ok := ctx.Value(txIDKey{}).(string); ok && txID != "" {
		return logger.With("txID", txID)
	}
	return logger
}

func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	from(ctx).Debugf(format, args...)
}

func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	from(ctx).Infof(format, args...)
}

func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	from(ctx).Warnf(format, args...)
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	from(ctx).Errorf(format, args...)
}
