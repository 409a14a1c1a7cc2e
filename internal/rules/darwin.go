package rules

import (
	"net/http"
	"regexp"
	"strconv"

	"darwinrelay/pkg/model"
)

const (
	RuleUnmatched model.RuleID = "unmatched"
	RuleWebSocket model.RuleID = "websocket"
	RuleJSONRPC   model.RuleID = "json-rpc"
	RuleProfile   model.RuleID = "profile"
	RuleShutdown  model.RuleID = "presence-shutdown"
	RuleLoopback  model.RuleID = "loopback"
)

// DarwinOptions 游戏规则集参数
type DarwinOptions struct {
	BackendHost   string
	LoopbackHosts []string
	ProxyPort     int
	// RewriteProfile 资料响应变换
	RewriteProfile Transform
	// OnShutdown 游戏上报关闭时触发
	OnShutdown func()
}

// DarwinRuleSet 构造固定的游戏拦截规则
func DarwinRuleSet(opts DarwinOptions) RuleSet {
	base := `^https://` + regexp.QuoteMeta(opts.BackendHost) + `(:443)?/profile/[0-9]+`
	onShutdown := opts.OnShutdown
	if onShutdown == nil {
		onShutdown = func() {}
	}

	return RuleSet{Rules: []Rule{
		// 全局默认放行
		{ID: RuleUnmatched, Name: "未匹配请求", Action: Action{Type: ActionPassThrough}},
		{ID: RuleWebSocket, Name: "WebSocket", Match: Match{WebSocket: true}, Action: Action{Type: ActionPassThrough}},
		{ID: RuleJSONRPC, Name: "JSON-RPC", Match: Match{JSONRPC: true}, Action: Action{Type: ActionPassThrough}},

		{
			ID:     RuleProfile,
			Name:   "注入直播平台令牌",
			Match:  Match{Methods: []string{http.MethodGet}, URLPattern: base + `$`},
			Action: Action{Type: ActionTransform, Transform: opts.RewriteProfile},
		},
		{
			ID:     RuleShutdown,
			Name:   "游戏关闭",
			Match:  Match{Methods: []string{http.MethodPut}, URLPattern: base + `/presence/Shutdown$`},
			Action: Action{Type: ActionEmit, Emit: onShutdown},
		},

		// 发往代理自身的请求直接应答，避免代理回环
		{
			ID:     RuleLoopback,
			Name:   "代理自身",
			Match:  Match{Hosts: opts.LoopbackHosts, Port: strconv.Itoa(opts.ProxyPort)},
			Action: Action{Type: ActionReply, Status: http.StatusOK},
		},
	}}
}
