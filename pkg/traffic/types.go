package traffic

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Request 中立的请求模型
type Request struct {
	ID      string // 事务唯一ID
	URL     string // 完整URL
	Method  string // HTTP方法
	Host    string // 目标主机名（不含端口）
	Port    string // 目标端口，缺省时按协议推断
	Headers Header // 请求头
	Body    []byte // 请求体原始数据
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// SetURL 设置完整URL并拆分主机与端口
func (r *Request) SetURL(raw string) {
	r.URL = raw
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	r.Host = strings.ToLower(u.Hostname())
	r.Port = u.Port()
	if r.Port == "" {
		switch u.Scheme {
		case "https", "wss":
			r.Port = "443"
		default:
			r.Port = "80"
		}
	}
}

// HostPort 返回 host:port 形式的目标地址
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// IsWebSocket 判断是否为 WebSocket 升级请求
func (r *Request) IsWebSocket() bool {
	return strings.EqualFold(r.Headers.Get("upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Headers.Get("connection")), "upgrade")
}
