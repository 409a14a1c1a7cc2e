package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"darwinrelay/internal/config"
	"darwinrelay/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	tokenStatus int
	tokenBody   string
	userStatus  int
	userBody    string

	tokenCalls atomic.Int32
	userCalls  atomic.Int32
	lastQuery  url.Values
	lastAuth   string
	lastClient string
	// userBeforeToken 记录用户查询是否早于令牌换取
	userBeforeToken atomic.Bool
}

func (f *fakeIdentity) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/authentication/twitch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		f.tokenCalls.Add(1)
		f.lastQuery = r.URL.Query()
		w.WriteHeader(f.tokenStatus)
		_, _ = w.Write([]byte(f.tokenBody))
	})
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if f.tokenCalls.Load() == 0 {
			f.userBeforeToken.Store(true)
		}
		f.userCalls.Add(1)
		f.lastAuth = r.Header.Get("Authorization")
		f.lastClient = r.Header.Get("Client-ID")
		w.WriteHeader(f.userStatus)
		_, _ = w.Write([]byte(f.userBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, s *session.Session, now time.Time) *Client {
	t.Helper()
	cfg := config.NewConfig().Identity
	cfg.TokenURL = srv.URL + "/authentication/twitch"
	cfg.UserURL = srv.URL + "/helix/users"
	cfg.Timeout = 5 * time.Second
	return New(cfg, s, nil, WithHTTPClient(srv.Client()), WithClock(func() time.Time { return now }))
}

func TestRunExchangesThenLooksUp(t *testing.T) {
	f := &fakeIdentity{
		tokenStatus: http.StatusOK,
		tokenBody:   `{"access_token":"T","refresh_token":"R","expires_in":3600}`,
		userStatus:  http.StatusOK,
		userBody:    `{"data":[{"id":"U1","login":"streamer"}]}`,
	}
	srv := f.server(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := session.New()
	c := newTestClient(t, srv, s, now)

	res, err := c.Run(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "T", res.Tokens.AccessToken)
	assert.Equal(t, "R", res.Tokens.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), res.Tokens.ExpiresAt)
	assert.Equal(t, "2024-05-01T13:00:00.000Z", res.Tokens.ExpirationDate())
	assert.Equal(t, "U1", res.User.ExternalUserID)

	assert.Equal(t, "authorization_code", f.lastQuery.Get("grantType"))
	assert.Equal(t, "abc123", f.lastQuery.Get("authorizationCode"))
	assert.Equal(t, []string{"user_read", "viewing_activity_read", "user:read:broadcast", "user:edit:broadcast"}, f.lastQuery["scopes"])
	assert.Equal(t, "Bearer T", f.lastAuth)
	assert.Equal(t, config.NewConfig().Identity.ClientID, f.lastClient)
	assert.False(t, f.userBeforeToken.Load())

	tokens, user, ok := s.Credentials()
	require.True(t, ok)
	assert.Equal(t, "T", tokens.AccessToken)
	assert.Equal(t, "U1", user.ExternalUserID)
}

func TestRunExchangeFailureSkipsLookup(t *testing.T) {
	f := &fakeIdentity{
		tokenStatus: http.StatusBadRequest,
		tokenBody:   `{"error":"invalid_grant"}`,
		userStatus:  http.StatusOK,
		userBody:    `{"data":[{"id":"U1"}]}`,
	}
	srv := f.server(t)
	s := session.New()
	c := newTestClient(t, srv, s, time.Now())

	_, err := c.Run(context.Background(), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExchange)
	assert.NotErrorIs(t, err, ErrLookup)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Body, "invalid_grant")

	assert.Zero(t, f.userCalls.Load())
	assert.False(t, s.Ready())
}

func TestRunLookupFailure(t *testing.T) {
	f := &fakeIdentity{
		tokenStatus: http.StatusOK,
		tokenBody:   `{"access_token":"T","refresh_token":"R","expires_in":3600}`,
		userStatus:  http.StatusUnauthorized,
		userBody:    `{"message":"invalid oauth token"}`,
	}
	srv := f.server(t)
	s := session.New()
	c := newTestClient(t, srv, s, time.Now())

	_, err := c.Run(context.Background(), "abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLookup)
	assert.NotErrorIs(t, err, ErrExchange)
	assert.EqualValues(t, 1, f.tokenCalls.Load())
	// 查询失败时不发布半份凭据
	assert.False(t, s.Ready())
}

func TestLookupRejectsEmptyData(t *testing.T) {
	f := &fakeIdentity{
		tokenStatus: http.StatusOK,
		tokenBody:   `{"access_token":"T","refresh_token":"R","expires_in":3600}`,
		userStatus:  http.StatusOK,
		userBody:    `{"data":[]}`,
	}
	srv := f.server(t)
	c := newTestClient(t, srv, session.New(), time.Now())

	_, err := c.Run(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrLookup)
}

func TestExchangeHonoursTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	cfg := config.NewConfig().Identity
	cfg.TokenURL = srv.URL
	cfg.Timeout = 50 * time.Millisecond
	c := New(cfg, nil, nil)

	start := time.Now()
	_, err := c.Exchange(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrExchange)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLoginURL(t *testing.T) {
	c := New(config.NewConfig().Identity, nil, nil)

	u, err := url.Parse(c.LoginURL())
	require.NoError(t, err)
	assert.Equal(t, "www.twitch.tv", u.Host)
	assert.Equal(t, "/login", u.Path)
	assert.Equal(t, "loox1r4lxrnukxnxou9hx90r796h70", u.Query().Get("client_id"))

	params := u.Query().Get("redirect_params")
	assert.Contains(t, params, "client_id=loox1r4lxrnukxnxou9hx90r796h70")
	assert.Contains(t, params, "redirect_uri=http://localhost")
	assert.Contains(t, params, "response_type=code")
	assert.Contains(t, params, "scope=user_read+viewing_activity_read+user:read:broadcast+user:edit:broadcast")
}
