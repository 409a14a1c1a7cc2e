package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"darwinrelay/internal/callback"
	"darwinrelay/internal/config"
	"darwinrelay/internal/credential"
	"darwinrelay/internal/handler"
	"darwinrelay/internal/lifecycle"
	"darwinrelay/internal/logger"
	"darwinrelay/internal/mitm"
	"darwinrelay/internal/rewrite"
	"darwinrelay/internal/rules"
	"darwinrelay/internal/session"
	"darwinrelay/internal/storage"
	"darwinrelay/internal/sysproxy"
	"darwinrelay/pkg/model"
)

// ErrNoJournal 未配置流水数据库
var ErrNoJournal = errors.New("service: journal disabled")

// Service 组装并驱动中继的全部组件
type Service struct {
	cfg  *config.Config
	log  logger.Logger
	opts options

	mu     sync.Mutex
	engine *rules.Engine
}

type options struct {
	runner      sysproxy.Runner
	opener      lifecycle.Opener
	credOptions []credential.Option
	proxyOpts   []mitm.Option
}

// Option 服务选项
type Option func(*options)

// WithRunner 替换系统代理命令执行器
func WithRunner(r sysproxy.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithOpener 替换登录页打开方式
func WithOpener(fn lifecycle.Opener) Option {
	return func(o *options) { o.opener = fn }
}

// WithCredentialOptions 透传凭据客户端选项
func WithCredentialOptions(opts ...credential.Option) Option {
	return func(o *options) { o.credOptions = append(o.credOptions, opts...) }
}

// WithProxyOptions 透传拦截代理选项
func WithProxyOptions(opts ...mitm.Option) Option {
	return func(o *options) { o.proxyOpts = append(o.proxyOpts, opts...) }
}

// New 创建服务
func New(cfg *config.Config, l logger.Logger, opts ...Option) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Service{cfg: cfg, log: l}
	for _, o := range opts {
		o(&s.opts)
	}
	return s
}

// LoginURL 返回登录页地址
func (s *Service) LoginURL() string {
	return credential.New(s.cfg.Identity, nil, s.log).LoginURL()
}

// ResetProxy 单独恢复系统代理
func (s *Service) ResetProxy(ctx context.Context) error {
	return sysproxy.New(s.cfg.SysProxy, s.opts.runner, s.log.With("component", "sysproxy")).Reset(ctx)
}

// RecentFlows 查询最近的拦截流水
func (s *Service) RecentFlows(ctx context.Context, limit int) ([]model.Event, error) {
	if s.cfg.Sqlite.Dsn == "" {
		return nil, ErrNoJournal
	}
	j, err := storage.Open(s.cfg.Sqlite.Dsn, s.cfg.Sqlite.Prefix, s.log.With("component", "storage"))
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return j.Recent(ctx, limit)
}

// Stats 返回本次运行的规则匹配统计
func (s *Service) Stats() model.EngineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return model.EngineStats{ByRule: map[model.RuleID]int64{}}
	}
	return s.engine.Stats()
}

// Run 完整运行一次：登录授权、拦截游戏流量、游戏关闭后恢复系统代理
func (s *Service) Run(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.Proxy.CertFile, s.cfg.Proxy.KeyFile)
	if err != nil {
		return fmt.Errorf("加载代理证书失败: %w", err)
	}

	var journal handler.Journal
	if s.cfg.Sqlite.Dsn != "" {
		j, err := storage.Open(s.cfg.Sqlite.Dsn, s.cfg.Sqlite.Prefix, s.log.With("component", "storage"))
		if err != nil {
			s.log.Err(err, "打开流水数据库失败，本次不记录流水")
		} else {
			defer j.Close()
			journal = j
		}
	}

	sess := session.New()
	l := s.log.With("session", string(sess.ID()))
	cred := credential.New(s.cfg.Identity, sess, l.With("component", "credential"), s.opts.credOptions...)

	var ctrl *lifecycle.Controller

	engine := rules.New(rules.DarwinRuleSet(rules.DarwinOptions{
		BackendHost:    s.cfg.Proxy.BackendHost,
		LoopbackHosts:  s.cfg.Proxy.LoopbackHosts,
		ProxyPort:      s.cfg.Proxy.Port,
		RewriteProfile: rewrite.NewProfileRewriter(sess, l.With("component", "rewrite")).Rewrite,
		OnShutdown:     func() { ctrl.ScheduleShutdown() },
	}))
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	events := make(chan model.Event, 64)
	h := handler.New(handler.Config{
		Engine:   engine,
		Upstream: mitm.NewTransport(nil),
		Events:   events,
		Journal:  journal,
		Session:  sess.ID(),
		Logger:   l.With("component", "handler"),
	})
	proxy := mitm.New(s.cfg.Proxy.Port, cert, h, l.With("component", "mitm"), s.opts.proxyOpts...)

	listener := callback.New(s.cfg.Callback.Port, s.cfg.Callback.LaunchURL, func(code, scope string) {
		if _, err := cred.Run(ctx, code); err != nil {
			l.Err(err, "凭据交换失败")
			ctrl.Fail(err)
		}
	}, l.With("component", "callback"))

	ctrl = lifecycle.New(lifecycle.Deps{
		Listener:    listener,
		Engine:      proxy,
		SystemProxy: sysproxy.New(s.cfg.SysProxy, s.opts.runner, l.With("component", "sysproxy")),
		Opener:      s.opts.opener,
		LoginURL:    cred.LoginURL(),
		ProxyPort:   s.cfg.Proxy.Port,
		Grace:       s.cfg.Proxy.ShutdownGrace,
		StopTimeout: s.cfg.Proxy.StopTimeout,
		Logger:      l.With("component", "lifecycle"),
	})

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case evt := <-events:
				logEvent(l, evt)
			case <-stop:
				return
			}
		}
	}()

	err = ctrl.Run(ctx)
	close(stop)
	<-drained

	stats := engine.Stats()
	l.Info("本次运行结束", "total", stats.Total, "state", ctrl.State().String())
	return err
}

func logEvent(l logger.Logger, evt model.Event) {
	if evt.Type == model.EventPassed {
		l.Debug("放行请求", "method", evt.Method, "url", evt.URL, "status", evt.StatusCode)
		return
	}
	l.Info("拦截事件", "type", evt.Type, "rule", evt.Rule, "url", evt.URL, "status", evt.StatusCode)
}
