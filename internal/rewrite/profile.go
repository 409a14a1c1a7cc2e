package rewrite

import (
	"encoding/json"
	"strconv"

	"darwinrelay/internal/logger"
	"darwinrelay/internal/session"
	"darwinrelay/pkg/traffic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TokensPath 资料中直播平台令牌列表的路径
const TokensPath = "profile.playerStreamingInformation.streamingPlatformTokens"

// PlatformTwitch 游戏侧 Twitch 平台编号
const PlatformTwitch = 1

// StreamingToken 注入到资料中的令牌记录，字段顺序与游戏一致
type StreamingToken struct {
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	Platform       int    `json:"platform"`
	UserID         string `json:"userId"`
	ExpirationDate string `json:"expirationDate"`
}

// ProfileRewriter 将会话凭据注入游戏资料响应
type ProfileRewriter struct {
	session *session.Session
	log     logger.Logger
}

// NewProfileRewriter 创建资料改写器
func NewProfileRewriter(s *session.Session, l logger.Logger) *ProfileRewriter {
	if l == nil {
		l = logger.NewNop()
	}
	return &ProfileRewriter{session: s, log: l}
}

// Rewrite 改写资料响应；凭据未就绪、资料已绑定或内容无法识别时原样返回
func (p *ProfileRewriter) Rewrite(res *traffic.Response) *traffic.Response {
	tokens, user, ok := p.session.Credentials()
	if !ok {
		p.log.Debug("凭据尚未就绪，跳过资料改写")
		return res
	}
	if !gjson.ValidBytes(res.Body) {
		return res
	}
	list := gjson.GetBytes(res.Body, TokensPath)
	if !list.IsArray() {
		return res
	}
	if len(list.Array()) > 0 {
		p.log.Debug("资料已绑定直播平台，跳过改写")
		return res
	}

	record, err := json.Marshal([]StreamingToken{{
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		Platform:       PlatformTwitch,
		UserID:         user.ExternalUserID,
		ExpirationDate: tokens.ExpirationDate(),
	}})
	if err != nil {
		return res
	}
	body, err := sjson.SetRawBytes(res.Body, TokensPath, record)
	if err != nil {
		p.log.Err(err, "写入直播平台令牌失败")
		return res
	}

	res.Body = body
	res.Headers.Set("content-length", strconv.Itoa(len(body)))
	p.log.Info("已注入直播平台令牌", "userId", user.ExternalUserID)
	return res
}
