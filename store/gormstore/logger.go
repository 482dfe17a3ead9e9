package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/compensable/log"
)

// gormLogger 把 gorm 的日志输出到统一的 zap logger
type gormLogger struct {
	level         logger.LogLevel
	slowThreshold time.Duration
}

// NewLogger slowThreshold 为 0 时不打印慢查询
func NewLogger(slowThreshold time.Duration) logger.Interface {
	return &gormLogger{level: logger.Warn, slowThreshold: slowThreshold}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, format string, args ...interface{}) {
	if l.level >= logger.Info {
		log.InfoContextf(ctx, format, args...)
	}
}

func (l *gormLogger) Warn(ctx context.Context, format string, args ...interface{}) {
	if l.level >= logger.Warn {
		log.WarnContextf(ctx, format, args...)
	}
}

func (l *gormLogger) Error(ctx context.Context, format string, args ...interface{}) {
	if l.level >= logger.Error {
		log.ErrorContextf(ctx, format, args...)
	}
}

// Trace 记录不存在不算错误, 由上层转换为 ErrNoExistedTransaction
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		log.ErrorContextf(ctx, "sql failed, elapsed: %s, rows: %d, sql: %s, err: %v", elapsed, rows, sql, err)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		log.WarnContextf(ctx, "slow sql, elapsed: %s, rows: %d, sql: %s", elapsed, rows, sql)
	case l.level >= logger.Info:
		sql, rows := fc()
		log.DebugContextf(ctx, "elapsed: %s, rows: %d, sql: %s", elapsed, rows, sql)
	}
}
