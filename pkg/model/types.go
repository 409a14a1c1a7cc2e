package model

import (
	"time"

	"golang.org/x/oauth2"
)

type SessionID string
type RuleID string

// ExpirationLayout 注入游戏资料时使用的过期时间格式
const ExpirationLayout = "2006-01-02T15:04:05.000Z"

// TokenSet 授权码换取到的令牌，进程内只创建一次
type TokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ExpirationDate 返回 ISO-8601 格式的过期时间
func (t TokenSet) ExpirationDate() string {
	return t.ExpiresAt.UTC().Format(ExpirationLayout)
}

// OAuth2 转换为 oauth2.Token，用于 Bearer 认证
func (t TokenSet) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.ExpiresAt,
	}
}

// UserIdentity 身份提供方返回的用户信息
type UserIdentity struct {
	ExternalUserID string `json:"externalUserId"`
	RawProfile     []byte `json:"-"`
}

// ProxyState 代理生命周期状态
type ProxyState int32

const (
	StateIdle ProxyState = iota
	StateListening
	StateIntercepting
	StateStopped
)

func (s ProxyState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateIntercepting:
		return "intercepting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EngineStats 规则匹配统计
type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}

// 事件类型
const (
	EventPassed            = "passed"
	EventMutated           = "mutated"
	EventReplied           = "replied"
	EventShutdownScheduled = "shutdown_scheduled"
)

// Event 拦截事件
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Session    SessionID `json:"session"`
	Rule       RuleID    `json:"rule"`
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	DurationMS int64     `json:"durationMs"`
	Timestamp  int64     `json:"timestamp"`
}
