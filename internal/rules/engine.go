package rules

import (
	"regexp"
	"strings"
	"sync"

	"darwinrelay/pkg/model"
	"darwinrelay/pkg/traffic"

	"github.com/tidwall/gjson"
)

// ActionType 规则行为类型
type ActionType string

const (
	ActionPassThrough ActionType = "pass_through"
	ActionTransform   ActionType = "transform"
	ActionEmit        ActionType = "emit"
	ActionReply       ActionType = "reply"
)

// Transform 响应变换，返回值即转发给客户端的响应
type Transform func(res *traffic.Response) *traffic.Response

// Action 规则命中后的行为
type Action struct {
	Type      ActionType
	Transform Transform // ActionTransform
	Emit      func()    // ActionEmit，响应转发前触发
	Status    int       // ActionReply
}

// Match 匹配条件，零值匹配所有请求
type Match struct {
	Methods    []string
	URLPattern string // 对不含查询串的 URL 做正则匹配
	Hosts      []string
	Port       string
	WebSocket  bool
	JSONRPC    bool
}

// Rule 拦截规则
type Rule struct {
	ID     model.RuleID
	Name   string
	Match  Match
	Action Action
}

// RuleSet 规则集合，按声明顺序排列
type RuleSet struct {
	Rules []Rule
}

// Engine 规则引擎
type Engine struct {
	rs RuleSet

	mu    sync.Mutex
	stats model.EngineStats
}

// Result 匹配结果
type Result struct {
	RuleID model.RuleID
	Rule   *Rule
	Action *Action
}

func New(rs RuleSet) *Engine {
	return &Engine{rs: rs, stats: model.EngineStats{ByRule: make(map[model.RuleID]int64)}}
}

// Eval 选出最具体的命中规则，具体程度相同时先声明者优先
func (e *Engine) Eval(req *traffic.Request) *Result {
	var chosen *Rule
	best := -1
	for i := range e.rs.Rules {
		r := &e.rs.Rules[i]
		if !matchRule(req, r.Match) {
			continue
		}
		if s := specificity(r.Match); s > best {
			chosen, best = r, s
		}
	}

	e.mu.Lock()
	e.stats.Total++
	if chosen != nil {
		e.stats.Matched++
		e.stats.ByRule[chosen.ID]++
	}
	e.mu.Unlock()

	if chosen == nil {
		return nil
	}
	return &Result{RuleID: chosen.ID, Rule: chosen, Action: &chosen.Action}
}

// Stats 返回匹配统计快照
func (e *Engine) Stats() model.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineStats{Total: e.stats.Total, Matched: e.stats.Matched, ByRule: make(map[model.RuleID]int64, len(e.stats.ByRule))}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

// specificity 目标地址约束 > URL/方法约束 > 协议类默认规则 > 全匹配
func specificity(m Match) int {
	switch {
	case len(m.Hosts) > 0 || m.Port != "":
		return 3
	case m.URLPattern != "" || len(m.Methods) > 0:
		return 2
	case m.WebSocket || m.JSONRPC:
		return 1
	default:
		return 0
	}
}

func matchRule(req *traffic.Request, m Match) bool {
	if len(m.Methods) > 0 && !matchMethod(req.Method, m.Methods) {
		return false
	}
	if m.URLPattern != "" && !matchRegex(stripQuery(req.URL), m.URLPattern) {
		return false
	}
	if len(m.Hosts) > 0 && !matchHost(req.Host, m.Hosts) {
		return false
	}
	if m.Port != "" && req.Port != m.Port {
		return false
	}
	if m.WebSocket && !req.IsWebSocket() {
		return false
	}
	if m.JSONRPC && !isJSONRPC(req) {
		return false
	}
	return true
}

func matchMethod(method string, methods []string) bool {
	for _, v := range methods {
		if strings.EqualFold(method, v) {
			return true
		}
	}
	return false
}

func matchHost(host string, hosts []string) bool {
	for _, h := range hosts {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}

func isJSONRPC(req *traffic.Request) bool {
	if len(req.Body) == 0 || !gjson.ValidBytes(req.Body) {
		return false
	}
	return gjson.GetBytes(req.Body, "jsonrpc").Exists() || gjson.GetBytes(req.Body, "0.jsonrpc").Exists()
}

func stripQuery(u string) string {
	if idx := strings.IndexAny(u, "?#"); idx != -1 {
		return u[:idx]
	}
	return u
}

var regexCache sync.Map

func matchRegex(s, pattern string) bool {
	var re *regexp.Regexp
	if v, ok := regexCache.Load(pattern); ok {
		re = v.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		regexCache.Store(pattern, compiled)
		re = compiled
	}
	return re.MatchString(s)
}
