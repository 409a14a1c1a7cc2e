package api

import (
	"context"

	"darwinrelay/internal/config"
	"darwinrelay/internal/logger"
	"darwinrelay/internal/service"
	"darwinrelay/pkg/model"
)

// Service 服务接口
type Service interface {
	// Run 完整运行一次中继，返回 nil 表示系统代理已恢复并干净退出
	Run(ctx context.Context) error

	// LoginURL 返回登录页地址
	LoginURL() string

	// ResetProxy 单独恢复系统代理
	ResetProxy(ctx context.Context) error

	// RecentFlows 查询最近的拦截流水
	RecentFlows(ctx context.Context, limit int) ([]model.Event, error)

	// Stats 获取规则统计信息
	Stats() model.EngineStats
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) Service {
	return service.New(cfg, l)
}
