package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"darwinrelay/internal/config"
	"darwinrelay/internal/logger"
	"darwinrelay/internal/session"
	"darwinrelay/pkg/model"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

var (
	// ErrExchange 授权码换取令牌失败
	ErrExchange = errors.New("authorization code exchange failed")
	// ErrLookup 用户信息查询失败
	ErrLookup = errors.New("user lookup failed")
)

// Stage 凭据流水线阶段
type Stage string

const (
	StageExchange Stage = "exchange"
	StageLookup   Stage = "lookup"
)

// StageError 流水线某一阶段的失败
type StageError struct {
	Stage      Stage
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *StageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %s: %s", e.Stage, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is 使 errors.Is 能按阶段匹配 ErrExchange / ErrLookup
func (e *StageError) Is(target error) bool {
	switch target {
	case ErrExchange:
		return e.Stage == StageExchange
	case ErrLookup:
		return e.Stage == StageLookup
	}
	return false
}

// Result 流水线成功结果
type Result struct {
	Tokens model.TokenSet
	User   model.UserIdentity
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Client 凭据交换客户端：先用授权码换令牌，再查询用户
type Client struct {
	cfg     config.Identity
	http    *http.Client
	session *session.Session
	now     func() time.Time
	log     logger.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 指定底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock 指定时间来源
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New 创建凭据交换客户端
func New(cfg config.Identity, s *session.Session, l logger.Logger, opts ...Option) *Client {
	if l == nil {
		l = logger.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		session: s,
		now:     time.Now,
		log:     l,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	return c
}

// Run 依次执行换取与查询，两步都成功后才写入会话
func (c *Client) Run(ctx context.Context, code string) (*Result, error) {
	tokens, err := c.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	user, err := c.LookupUser(ctx, *tokens)
	if err != nil {
		return nil, err
	}
	if c.session != nil {
		if err := c.session.Publish(*tokens, *user); err != nil {
			return nil, err
		}
	}
	c.log.Info("凭据获取完成", "userId", user.ExternalUserID, "expiresAt", tokens.ExpirationDate())
	return &Result{Tokens: *tokens, User: *user}, nil
}

// Exchange 用授权码换取令牌
func (c *Client) Exchange(ctx context.Context, code string) (*model.TokenSet, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := url.Values{}
	params.Set("grantType", "authorization_code")
	params.Set("authorizationCode", code)
	for _, s := range c.cfg.Scopes {
		params.Add("scopes", s)
	}
	endpoint := c.cfg.TokenURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, &StageError{Stage: StageExchange, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("开始换取令牌", "endpoint", c.cfg.TokenURL)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &StageError{Stage: StageExchange, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StageError{Stage: StageExchange, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Error("换取令牌失败", "status", resp.Status, "body", string(body))
		return nil, &StageError{Stage: StageExchange, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &StageError{Stage: StageExchange, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &StageError{Stage: StageExchange, Err: errors.New("token response has no access_token")}
	}

	return &model.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// LookupUser 使用访问令牌查询用户信息
func (c *Client) LookupUser(ctx context.Context, tokens model.TokenSet) (*model.UserIdentity, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserURL, nil)
	if err != nil {
		return nil, &StageError{Stage: StageLookup, Err: err}
	}
	req.Header.Set("Client-ID", c.cfg.ClientID)

	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.http), oauth2.StaticTokenSource(tokens.OAuth2()))
	hc.Timeout = c.http.Timeout

	c.log.Debug("开始查询用户", "endpoint", c.cfg.UserURL)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &StageError{Stage: StageLookup, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StageError{Stage: StageLookup, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Error("查询用户失败", "status", resp.Status, "body", string(body))
		return nil, &StageError{Stage: StageLookup, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}

	id := gjson.GetBytes(body, "data.0.id")
	if !id.Exists() || id.String() == "" {
		return nil, &StageError{Stage: StageLookup, Err: errors.New("user response has no data[0].id")}
	}
	return &model.UserIdentity{ExternalUserID: id.String(), RawProfile: body}, nil
}

// LoginURL 构造身份提供方登录页地址
func (c *Client) LoginURL() string {
	oc := oauth2.Config{
		ClientID:    c.cfg.ClientID,
		Scopes:      c.cfg.Scopes,
		RedirectURL: c.cfg.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: c.cfg.AuthorizeURL},
	}
	authURL, err := url.Parse(oc.AuthCodeURL(""))
	if err != nil {
		return c.cfg.LoginURL
	}
	redirectParams, err := url.PathUnescape(authURL.RawQuery)
	if err != nil {
		redirectParams = authURL.RawQuery
	}

	login, err := url.Parse(c.cfg.LoginURL)
	if err != nil {
		return c.cfg.LoginURL
	}
	q := login.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_params", redirectParams)
	login.RawQuery = q.Encode()
	return login.String()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}
