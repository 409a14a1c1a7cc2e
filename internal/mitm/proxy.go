package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"darwinrelay/internal/handler"
	"darwinrelay/internal/logger"
	"darwinrelay/pkg/traffic"
)

const dialTimeout = 10 * time.Second

// ErrNotRunning 代理尚未启动
var ErrNotRunning = errors.New("mitm: proxy not running")

// RequestHandler 处理一个解密后的请求，r.URL 为绝对地址
//
// 升级请求同样先交给 Handle，返回 handler.ErrTunnel 时才建立隧道。
type RequestHandler interface {
	Handle(r *http.Request) (*http.Response, error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(r *http.Request) (*http.Response, error)

func (f HandlerFunc) Handle(r *http.Request) (*http.Response, error) { return f(r) }

// Proxy 本地拦截代理，使用静态证书终止所有 TLS 连接
type Proxy struct {
	addr    string
	cert    tls.Certificate
	handler RequestHandler
	rootCAs *x509.CertPool
	log     logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// Option 代理选项
type Option func(*Proxy)

// WithAddr 覆盖监听地址
func WithAddr(addr string) Option {
	return func(p *Proxy) { p.addr = addr }
}

// WithUpstreamRootCAs 指定校验上游证书的根证书池，nil 使用系统证书
func WithUpstreamRootCAs(pool *x509.CertPool) Option {
	return func(p *Proxy) { p.rootCAs = pool }
}

// New 创建拦截代理
func New(port int, cert tls.Certificate, h RequestHandler, l logger.Logger, opts ...Option) *Proxy {
	if l == nil {
		l = logger.NewNop()
	}
	p := &Proxy{
		addr:    ":" + strconv.Itoa(port),
		cert:    cert,
		handler: h,
		log:     l,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewTransport 创建转发用的上游传输，不经过系统代理以免回环
func NewTransport(rootCAs *x509.CertPool) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       &tls.Config{RootCAs: rootCAs, MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     false,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: time.Minute,
		DisableCompression:    true,
	}
}

// Start 绑定端口并开始服务
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("mitm: listen %s: %w", p.addr, err)
	}
	p.listener = ln
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	srv := p.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Err(err, "拦截代理异常退出")
		}
	}()
	p.log.Info("拦截代理已启动", "addr", ln.Addr().String())
	return nil
}

// Addr 返回实际监听地址
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return p.addr
	}
	return p.listener.Addr().String()
}

// Stop 停止服务并关闭所有隧道连接
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.srv, p.listener = nil, nil
	conns := p.conns
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()

	if srv == nil {
		return ErrNotRunning
	}
	for c := range conns {
		_ = c.Close()
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	p.log.Info("拦截代理已停止")
	return err
}

func (p *Proxy) track(c net.Conn) {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()
}

func (p *Proxy) untrack(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	_ = c.Close()
}

// ServeHTTP 代理入口
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}

	// 直接发往代理自身的请求没有绝对地址
	if !r.URL.IsAbs() {
		r.URL.Scheme = "http"
		r.URL.Host = r.Host
	}

	resp, err := p.handler.Handle(r)
	if errors.Is(err, handler.ErrTunnel) {
		p.handleUpgrade(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		w.Header()[k] = vals
	}
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Debug("写回响应失败", "url", r.URL.String(), "error", err)
	}
}

// handleConnect 劫持 CONNECT 连接并终止 TLS
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.log.Err(err, "劫持连接失败")
		return
	}
	p.track(clientConn)
	defer p.untrack(clientConn)

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{p.cert},
		NextProtos:   []string{"http/1.1"},
	})
	if err := tlsConn.Handshake(); err != nil {
		p.log.Debug("TLS 握手失败", "host", r.Host, "error", err)
		return
	}

	host := r.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	p.serveTLS(tlsConn, host)
}

// serveTLS 在解密后的连接上循环读取请求
func (p *Proxy) serveTLS(conn *tls.Conn, host string) {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("读取 TLS 请求失败", "host", host, "error", err)
			}
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = trimDefaultPort(host, "443")
		req.RequestURI = ""

		resp, err := p.handler.Handle(req)
		if errors.Is(err, handler.ErrTunnel) {
			p.tunnel(conn, reader, req, host, true)
			return
		}
		if err != nil {
			writeStatus(conn, http.StatusBadGateway)
			return
		}
		err = resp.Write(conn)
		_ = resp.Body.Close()
		if err != nil || req.Close || resp.Close {
			return
		}
	}
}

// handleUpgrade 未被应答的明文 WebSocket 升级直接建立隧道
func (p *Proxy) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		p.log.Err(err, "劫持连接失败")
		return
	}
	p.track(conn)
	defer p.untrack(conn)

	target := traffic.NewRequest()
	target.SetURL(r.URL.String())
	r.RequestURI = ""
	p.tunnel(conn, rw.Reader, r, target.HostPort(), false)
}

// tunnel 将升级请求写往上游后双向透传
func (p *Proxy) tunnel(client net.Conn, clientReader io.Reader, req *http.Request, host string, useTLS bool) {
	var upstream net.Conn
	var err error
	dialer := &net.Dialer{Timeout: dialTimeout}
	if useTLS {
		serverName, _, _ := net.SplitHostPort(host)
		upstream, err = tls.DialWithDialer(dialer, "tcp", host, &tls.Config{
			RootCAs:    p.rootCAs,
			ServerName: serverName,
			NextProtos: []string{"http/1.1"},
		})
	} else {
		upstream, err = dialer.Dial("tcp", host)
	}
	if err != nil {
		p.log.Err(err, "连接上游失败", "host", host)
		writeStatus(client, http.StatusBadGateway)
		return
	}
	p.track(upstream)
	defer p.untrack(upstream)

	req.Header.Del("Proxy-Connection")
	if err := req.Write(upstream); err != nil {
		return
	}
	p.log.Debug("WebSocket 隧道已建立", "host", host)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientReader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
}

func trimDefaultPort(hostport, port string) string {
	h, p, err := net.SplitHostPort(hostport)
	if err == nil && p == port {
		return h
	}
	return hostport
}

func writeStatus(w io.Writer, status int) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Close:         true,
	}
	_ = resp.Write(w)
}
