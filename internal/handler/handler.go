package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"darwinrelay/internal/adapter/nethttp"
	"darwinrelay/internal/ctxkeys"
	"darwinrelay/internal/logger"
	"darwinrelay/internal/rules"
	"darwinrelay/pkg/model"

	"github.com/google/uuid"
)

// ErrTunnel 升级请求未被规则应答，调用方应直接建立隧道
var ErrTunnel = errors.New("handler: tunnel upgrade request")

// Journal 拦截事件持久化
type Journal interface {
	Record(ctx context.Context, evt model.Event) error
}

// Handler 事件处理器，负责协调规则匹配、行为执行和事件发送
type Handler struct {
	engine   *rules.Engine
	upstream http.RoundTripper
	events   chan model.Event
	journal  Journal
	session  model.SessionID
	log      logger.Logger
}

// Config 配置选项
type Config struct {
	Engine   *rules.Engine
	Upstream http.RoundTripper
	Events   chan model.Event
	Journal  Journal
	Session  model.SessionID
	Logger   logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Upstream == nil {
		cfg.Upstream = http.DefaultTransport
	}
	return &Handler{
		engine:   cfg.Engine,
		upstream: cfg.Upstream,
		events:   cfg.Events,
		journal:  cfg.Journal,
		session:  cfg.Session,
		log:      cfg.Logger,
	}
}

// hopHeaders 逐跳头部，不转发
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop 删除逐跳头部及 Connection 中列出的头部
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Handle 处理一个已解密的请求，r.URL 必须为绝对地址
func (h *Handler) Handle(r *http.Request) (*http.Response, error) {
	start := time.Now()
	flowID := uuid.NewString()
	ctx := ctxkeys.WithSession(ctxkeys.WithTraceID(r.Context(), flowID), string(h.session))
	l := h.log.With("flowId", flowID, "method", r.Method, "url", r.URL.String())

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("读取请求体失败: %w", err)
		}
		body = b
		r.Body = http.NoBody
		if len(body) > 0 {
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	req := nethttp.ToNeutralRequest(r, body)
	req.ID = flowID

	action := &rules.Action{Type: rules.ActionPassThrough}
	ruleID := rules.RuleUnmatched
	if h.engine != nil {
		if res := h.engine.Eval(req); res != nil {
			action, ruleID = res.Action, res.RuleID
			l.Debug("规则匹配完成", "rule", ruleID, "name", res.Rule.Name, "action", action.Type)
		}
	}

	evt := model.Event{
		ID:      flowID,
		Type:    model.EventPassed,
		Session: h.session,
		Rule:    ruleID,
		URL:     req.URL,
		Method:  req.Method,
	}

	if action.Type == rules.ActionReply {
		resp := fixedReply(r, action.Status)
		evt.Type, evt.StatusCode = model.EventReplied, resp.StatusCode
		h.emit(ctx, evt, start)
		l.Debug("请求由代理直接应答", "status", resp.StatusCode)
		return resp, nil
	}

	// 升级请求只能整条透传，交由调用方建立隧道
	if req.IsWebSocket() {
		h.emit(ctx, evt, start)
		l.Debug("升级请求转为隧道")
		return nil, ErrTunnel
	}

	resp, err := h.forward(ctx, r, body)
	if err != nil {
		l.Err(err, "转发请求失败")
		return nil, err
	}
	RemoveHopByHop(resp.Header)
	evt.StatusCode = resp.StatusCode

	switch action.Type {
	case rules.ActionEmit:
		if action.Emit != nil {
			action.Emit()
		}
		evt.Type = model.EventShutdownScheduled
	case rules.ActionTransform:
		if action.Transform != nil {
			if err := h.transform(resp, action.Transform); err != nil {
				l.Err(err, "读取响应体失败")
				return nil, err
			}
			evt.Type = model.EventMutated
		}
	}

	h.emit(ctx, evt, start)
	return resp, nil
}

// forward 将请求发往真实上游
func (h *Handler) forward(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构造上游请求失败: %w", err)
	}
	out.Header = r.Header.Clone()
	RemoveHopByHop(out.Header)
	// 上游返回未压缩内容，响应体才能被改写
	out.Header.Del("Accept-Encoding")
	out.Host = r.Host
	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
	}

	resp, err := h.upstream.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("上游请求失败: %w", err)
	}
	return resp, nil
}

// transform 缓冲完整响应体后执行变换
func (h *Handler) transform(resp *http.Response, fn rules.Transform) error {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return err
	}
	res := nethttp.ToNeutralResponse(resp, body)
	nethttp.ApplyResponse(resp, fn(res))
	return nil
}

func fixedReply(r *http.Request, status int) *http.Response {
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       r,
	}
}

// emit 发送事件并写入流水，通道满时丢弃
func (h *Handler) emit(ctx context.Context, evt model.Event, start time.Time) {
	evt.DurationMS = time.Since(start).Milliseconds()
	evt.Timestamp = time.Now().UnixMilli()

	if h.events != nil {
		select {
		case h.events <- evt:
		default:
		}
	}
	if h.journal != nil {
		if err := h.journal.Record(context.WithoutCancel(ctx), evt); err != nil {
			h.log.Err(err, "写入流水失败", "flowId", evt.ID)
		}
	}
}
