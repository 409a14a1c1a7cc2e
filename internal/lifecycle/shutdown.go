package lifecycle

import (
	"sync"
	"time"
)

// DefaultGrace 游戏上报关闭后等待的宽限期
const DefaultGrace = 2 * time.Second

// Coordinator 关闭协调器，宽限期结束后只触发一次
type Coordinator struct {
	grace time.Duration
	fire  func()

	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

// NewCoordinator 创建关闭协调器
func NewCoordinator(grace time.Duration, fire func()) *Coordinator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Coordinator{grace: grace, fire: fire}
}

// Arm 安排一次延迟触发，已安排或已触发时忽略并返回 false
func (c *Coordinator) Arm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		return false
	}
	c.armed = true
	c.timer = time.AfterFunc(c.grace, c.fire)
	return true
}

// Cancel 取消尚未触发的计时，此后的 Arm 均被忽略
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.armed = true
}
