package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"darwinrelay/internal/logger"
	"darwinrelay/pkg/model"

	"github.com/pkg/browser"
)

// ErrSystemProxy 系统代理设置或恢复失败
var ErrSystemProxy = errors.New("lifecycle: system proxy")

const (
	OpListen      = "listen"
	OpStartEngine = "start-engine"
	OpSetProxy    = "set-proxy"
	OpResetProxy  = "reset-proxy"
)

// Error 生命周期错误
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("lifecycle %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrSystemProxy && (e.Op == OpSetProxy || e.Op == OpResetProxy)
}

// Listener 授权回调监听
type Listener interface {
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Stop()
}

// Engine 拦截代理
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SystemProxy 系统代理配置
type SystemProxy interface {
	Set(ctx context.Context, port int) error
	Reset(ctx context.Context) error
}

// Opener 打开登录页
type Opener func(url string) error

// Deps 控制器依赖
type Deps struct {
	Listener    Listener
	Engine      Engine
	SystemProxy SystemProxy
	Opener      Opener
	LoginURL    string
	ProxyPort   int
	Grace       time.Duration
	StopTimeout time.Duration
	Logger      logger.Logger
}

// Controller 代理生命周期控制器：Idle → Listening → Intercepting → Stopped
type Controller struct {
	deps  Deps
	log   logger.Logger
	state atomic.Int32

	coordinator *Coordinator
	shutdown    chan struct{}
	shutOnce    sync.Once
	failed      chan error
}

// New 创建生命周期控制器
func New(d Deps) *Controller {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.Opener == nil {
		d.Opener = browser.OpenURL
	}
	if d.StopTimeout <= 0 {
		d.StopTimeout = 5 * time.Second
	}
	c := &Controller{
		deps:     d,
		log:      d.Logger,
		shutdown: make(chan struct{}),
		failed:   make(chan error, 1),
	}
	c.coordinator = NewCoordinator(d.Grace, func() {
		c.shutOnce.Do(func() { close(c.shutdown) })
	})
	return c
}

// State 当前状态
func (c *Controller) State() model.ProxyState {
	return model.ProxyState(c.state.Load())
}

func (c *Controller) setState(s model.ProxyState) {
	old := model.ProxyState(c.state.Swap(int32(s)))
	c.log.Debug("代理状态切换", "from", old.String(), "to", s.String())
}

// ScheduleShutdown 游戏上报关闭，宽限期后进入停止流程
func (c *Controller) ScheduleShutdown() {
	if c.coordinator.Arm() {
		c.log.Info("收到游戏关闭通知，即将恢复系统代理", "grace", c.coordinator.grace.String())
	}
}

// Fail 凭据流程失败，进入停止流程；只保留第一个错误
func (c *Controller) Fail(err error) {
	if err == nil {
		return
	}
	select {
	case c.failed <- err:
	default:
	}
}

// Run 驱动完整生命周期，返回 nil 表示干净退出
func (c *Controller) Run(ctx context.Context) error {
	c.setState(model.StateIdle)

	if err := c.deps.Listener.Start(ctx); err != nil {
		c.setState(model.StateStopped)
		return &Error{Op: OpListen, Err: err}
	}
	c.setState(model.StateListening)

	if err := c.deps.Opener(c.deps.LoginURL); err != nil {
		c.log.Warn("无法自动打开浏览器，请手动访问登录页", "url", c.deps.LoginURL, "error", err)
	} else {
		c.log.Info("已打开登录页，等待授权回调", "url", c.deps.LoginURL)
	}

	select {
	case <-c.deps.Listener.Done():
	case err := <-c.failed:
		c.deps.Listener.Stop()
		c.setState(model.StateStopped)
		return err
	case <-ctx.Done():
		c.deps.Listener.Stop()
		c.setState(model.StateStopped)
		c.log.Info("等待授权时被取消")
		return nil
	}

	if err := c.deps.Engine.Start(ctx); err != nil {
		c.setState(model.StateStopped)
		return &Error{Op: OpStartEngine, Err: err}
	}
	if err := c.deps.SystemProxy.Set(ctx, c.deps.ProxyPort); err != nil {
		c.stopEngine()
		c.setState(model.StateStopped)
		c.log.Error("设置系统代理失败，请以管理员权限重新运行", "error", err)
		return &Error{Op: OpSetProxy, Err: err}
	}
	c.setState(model.StateIntercepting)
	c.log.Info("系统代理已指向本地，可以启动游戏", "port", c.deps.ProxyPort)

	var cause error
	select {
	case <-c.shutdown:
	case cause = <-c.failed:
		c.log.Err(cause, "凭据流程失败，停止拦截")
	case <-ctx.Done():
		c.log.Info("收到退出信号，停止拦截")
	}
	return c.stop(cause)
}

// stop 恢复系统代理后停止拦截代理，恢复失败也会停止代理
func (c *Controller) stop(cause error) error {
	c.coordinator.Cancel()

	resetCtx, cancel := context.WithTimeout(context.Background(), c.deps.StopTimeout)
	resetErr := c.deps.SystemProxy.Reset(resetCtx)
	cancel()

	c.stopEngine()
	c.setState(model.StateStopped)

	if resetErr != nil {
		c.log.Error("恢复系统代理失败，请以管理员权限执行 reset-proxy", "error", resetErr)
		return &Error{Op: OpResetProxy, Err: resetErr}
	}
	c.log.Info("系统代理已恢复")
	return cause
}

func (c *Controller) stopEngine() {
	ctx, cancel := context.WithTimeout(context.Background(), c.deps.StopTimeout)
	defer cancel()
	if err := c.deps.Engine.Stop(ctx); err != nil {
		c.log.Warn("停止拦截代理超时", "error", err)
	}
}
