package session

import (
	"errors"
	"sync"

	"darwinrelay/pkg/model"

	"github.com/google/uuid"
)

// ErrAlreadyPublished 凭据已发布，不可重复写入
var ErrAlreadyPublished = errors.New("session credentials already published")

// Session 单次运行的会话上下文，持有令牌与用户信息
//
// 凭据只写入一次：令牌与用户信息在同一次 Publish 中一起可见，
// 读者要么看到完整凭据，要么什么都看不到。
type Session struct {
	id model.SessionID

	mu     sync.RWMutex
	tokens *model.TokenSet
	user   *model.UserIdentity
}

// New 创建新会话
func New() *Session {
	return &Session{id: model.SessionID(uuid.NewString())}
}

// ID 返回会话ID
func (s *Session) ID() model.SessionID { return s.id }

// Publish 发布令牌与用户信息
func (s *Session) Publish(tokens model.TokenSet, user model.UserIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens != nil {
		return ErrAlreadyPublished
	}
	s.tokens = &tokens
	s.user = &user
	return nil
}

// Credentials 返回已发布的凭据，未发布时 ok 为 false
func (s *Session) Credentials() (tokens *model.TokenSet, user *model.UserIdentity, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil || s.user == nil {
		return nil, nil, false
	}
	return s.tokens, s.user, true
}

// Ready 凭据是否已就绪
func (s *Session) Ready() bool {
	_, _, ok := s.Credentials()
	return ok
}
