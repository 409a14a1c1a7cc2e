package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"darwinrelay/internal/ctxkeys"
	"darwinrelay/internal/logger"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowWrite 单次流水操作超过该时长视为过慢，会拖慢被拦截的请求
const slowWrite = 200 * time.Millisecond

// JournalLogger 将流水库的 GORM 日志并入中继日志，按所属流水和会话标注
type JournalLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

// NewJournalLogger 创建流水库日志，流水写入频繁，默认只记录告警
func NewJournalLogger(l logger.Logger) *JournalLogger {
	if l == nil {
		l = logger.NewNop()
	}
	return &JournalLogger{log: l, level: gormlogger.Warn}
}

// LogMode 设置日志级别
func (j *JournalLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *j
	out.level = level
	return &out
}

func (j *JournalLogger) Info(ctx context.Context, msg string, data ...any) {
	if j.level >= gormlogger.Info {
		j.log.Info(msg, append(flowFields(ctx), data...)...)
	}
}

func (j *JournalLogger) Warn(ctx context.Context, msg string, data ...any) {
	if j.level >= gormlogger.Warn {
		j.log.Warn(msg, append(flowFields(ctx), data...)...)
	}
}

func (j *JournalLogger) Error(ctx context.Context, msg string, data ...any) {
	if j.level >= gormlogger.Error {
		j.log.Error(msg, append(flowFields(ctx), data...)...)
	}
}

// Trace 记录一次流水库操作，只在出错时带上语句
func (j *JournalLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if j.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := append(flowFields(ctx),
		"op", statementKind(sql),
		"rows", rows,
		"elapsedMs", elapsed.Milliseconds(),
	)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && j.level >= gormlogger.Error:
		j.log.Error("流水库操作失败", append(fields, "sql", sql, "error", err)...)
	case elapsed > slowWrite && j.level >= gormlogger.Warn:
		j.log.Warn("流水库操作过慢", append(fields, "threshold", slowWrite.String())...)
	case j.level == gormlogger.Info:
		j.log.Debug("流水库操作", fields...)
	}
}

// flowFields 取出上下文中的流水ID与会话ID，迁移和查询时为空则不输出
func flowFields(ctx context.Context) []any {
	var fields []any
	if id := ctxkeys.TraceID(ctx); id != "" {
		fields = append(fields, "flowId", id)
	}
	if sess := ctxkeys.Session(ctx); sess != "" {
		fields = append(fields, "session", sess)
	}
	return fields
}

// statementKind 返回语句的首个关键字，如 INSERT、SELECT
func statementKind(sql string) string {
	kw, _, _ := strings.Cut(strings.TrimSpace(sql), " ")
	return strings.ToUpper(kw)
}
