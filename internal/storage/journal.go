package storage

import (
	"context"
	"fmt"
	"time"

	"darwinrelay/internal/logger"
	"darwinrelay/pkg/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// FlowRecord 拦截流水，只记录元数据，不保存请求体和令牌
type FlowRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Session    string    `gorm:"index;size:36"`
	Type       string    `gorm:"size:32"`
	Rule       string    `gorm:"size:64"`
	Method     string    `gorm:"size:16"`
	URL        string    `gorm:"size:2048"`
	StatusCode int
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

// Journal 基于 SQLite 的拦截流水
type Journal struct {
	db *gorm.DB
}

// Open 打开流水数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewJournalLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&FlowRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record 写入一条流水
func (j *Journal) Record(ctx context.Context, evt model.Event) error {
	rec := FlowRecord{
		ID:         evt.ID,
		Session:    string(evt.Session),
		Type:       evt.Type,
		Rule:       string(evt.Rule),
		Method:     evt.Method,
		URL:        evt.URL,
		StatusCode: evt.StatusCode,
		DurationMS: evt.DurationMS,
		CreatedAt:  time.UnixMilli(evt.Timestamp),
	}
	return j.db.WithContext(ctx).Create(&rec).Error
}

// Recent 按时间倒序返回最近的流水
func (j *Journal) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []FlowRecord
	err := j.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.Event{
			ID:         r.ID,
			Type:       r.Type,
			Session:    model.SessionID(r.Session),
			Rule:       model.RuleID(r.Rule),
			URL:        r.URL,
			Method:     r.Method,
			StatusCode: r.StatusCode,
			DurationMS: r.DurationMS,
			Timestamp:  r.CreatedAt.UnixMilli(),
		})
	}
	return out, nil
}

// Close 关闭数据库连接
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
