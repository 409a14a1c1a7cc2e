package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"darwinrelay/internal/logger"
)

// DefaultPort 身份提供方重定向到 http://localhost 时使用的端口
const DefaultPort = 80

// shutdownTimeout 等待在途连接排空的上限
const shutdownTimeout = 5 * time.Second

var successPage = template.Must(template.New("success").Parse(
	`<script>alert('Success! Click OK to launch Darwin Project to finish the setup');` +
		`window.location={{.}}</script>`))

// CodeHandler 收到授权码后的回调，在独立 goroutine 中执行
type CodeHandler func(code, scope string)

// Server 一次性授权回调监听器
//
// 同时监听 IPv4 与 IPv6 回环地址，localhost 解析到任一族都能收到重定向。
// 收到同时携带 code 与 scope 的请求后触发回调并自行关闭；
// Done 在端口完全释放后关闭。
type Server struct {
	addrs     []string
	launchURL string
	onCode    CodeHandler
	log       logger.Logger

	srv       *http.Server
	listeners []net.Listener
	once      sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

// New 创建回调监听器
func New(port int, launchURL string, onCode CodeHandler, l logger.Logger) *Server {
	if port == 0 {
		port = DefaultPort
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{
		addrs:     loopbackAddrs(port),
		launchURL: launchURL,
		onCode:    onCode,
		log:       l,
		done:      make(chan struct{}),
	}
}

func loopbackAddrs(port int) []string {
	p := strconv.Itoa(port)
	return []string{net.JoinHostPort("127.0.0.1", p), net.JoinHostPort("::1", p)}
}

// Start 绑定端口并开始服务，ctx 取消时关闭监听器
//
// 首个地址绑定失败即返回错误，其余地址失败（如系统禁用 IPv6）只记录告警。
func (s *Server) Start(ctx context.Context) error {
	for i, addr := range s.addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if i == 0 {
				s.closeListeners()
				return fmt.Errorf("failed to start callback server on %s: %w", addr, err)
			}
			s.log.Warn("回调监听无法绑定地址，已跳过", "addr", addr, "error", err)
			continue
		}
		s.listeners = append(s.listeners, ln)
	}
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, ln := range s.listeners {
		go func(ln net.Listener) {
			if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Err(err, "回调监听异常退出", "addr", ln.Addr().String())
			}
		}(ln)
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	s.log.Info("回调监听已启动", "addrs", s.Addrs())
	return nil
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

// Addr 返回首个实际监听地址，Start 之前为空
func (s *Server) Addr() string {
	if len(s.listeners) == 0 {
		return ""
	}
	return s.listeners[0].Addr().String()
}

// Addrs 返回全部实际监听地址
func (s *Server) Addrs() []string {
	out := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr().String())
	}
	return out
}

// Done 监听器完全关闭后关闭
func (s *Server) Done() <-chan struct{} { return s.done }

// ServeHTTP 处理重定向请求，不区分路径
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, scope := q.Get("code"), q.Get("scope")
	if code == "" || scope == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	accepted := false
	s.once.Do(func() { accepted = true })
	if !accepted {
		s.log.Debug("重复的授权回调已忽略")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.log.Info("收到授权回调", "scope", scope)
	if s.onCode != nil {
		go s.onCode(code, scope)
	}
	go s.Stop()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := successPage.Execute(w, s.launchURL); err != nil {
		s.log.Err(err, "写入回调响应失败")
	}
}

// Stop 关闭监听器，等待在途连接排空后关闭 Done
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		defer close(s.done)
		if s.srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.log.Warn("回调监听关闭超时，强制关闭", "error", err)
			_ = s.srv.Close()
		}
		s.log.Info("回调监听已关闭")
	})
}

