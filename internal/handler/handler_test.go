package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"darwinrelay/internal/rewrite"
	"darwinrelay/internal/rules"
	"darwinrelay/internal/session"
	"darwinrelay/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const backend = "https://pc-live.api.darwinproject.ca"

// fakeUpstream 记录收到的请求并返回固定响应
type fakeUpstream struct {
	mu     sync.Mutex
	calls  []*http.Request
	bodies []string
	status int
	header http.Header
	body   string
}

func (f *fakeUpstream) RoundTrip(r *http.Request) (*http.Response, error) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, r)
	f.bodies = append(f.bodies, string(b))
	f.mu.Unlock()

	h := f.header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode:    status,
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(f.body)),
		ContentLength: int64(len(f.body)),
		Request:       r,
	}, nil
}

type memJournal struct {
	mu     sync.Mutex
	events []model.Event
}

func (j *memJournal) Record(_ context.Context, evt model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
	return nil
}

func newHandler(t *testing.T, up *fakeUpstream, s *session.Session, onShutdown func()) (*Handler, chan model.Event, *memJournal) {
	t.Helper()
	events := make(chan model.Event, 16)
	journal := &memJournal{}
	engine := rules.New(rules.DarwinRuleSet(rules.DarwinOptions{
		BackendHost:    "pc-live.api.darwinproject.ca",
		LoopbackHosts:  []string{"localhost", "127.0.0.1"},
		ProxyPort:      8000,
		RewriteProfile: rewrite.NewProfileRewriter(s, nil).Rewrite,
		OnShutdown:     onShutdown,
	}))
	return New(Config{Engine: engine, Upstream: up, Events: events, Journal: journal, Session: s.ID()}), events, journal
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func readySession(t *testing.T) *session.Session {
	s := session.New()
	require.NoError(t, s.Publish(
		model.TokenSet{AccessToken: "T", RefreshToken: "R", ExpiresAt: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)},
		model.UserIdentity{ExternalUserID: "U1"},
	))
	return s
}

func TestUnmatchedPassesThroughUnchanged(t *testing.T) {
	up := &fakeUpstream{body: `{"hello":"world"}`, header: http.Header{"X-Upstream": {"a", "b"}}}
	h, events, journal := newHandler(t, up, readySession(t), nil)

	r := httptest.NewRequest(http.MethodPost, backend+"/matchmaking/queue", strings.NewReader(`{"q":1}`))
	r.Header.Set("Accept-Encoding", "gzip")
	r.Header.Set("Proxy-Connection", "keep-alive")
	resp, err := h.Handle(r)
	require.NoError(t, err)

	assert.Equal(t, `{"hello":"world"}`, readBody(t, resp))
	assert.Equal(t, []string{"a", "b"}, resp.Header.Values("X-Upstream"))

	require.Len(t, up.calls, 1)
	assert.Equal(t, `{"q":1}`, up.bodies[0])
	assert.Empty(t, up.calls[0].Header.Get("Accept-Encoding"))
	assert.Empty(t, up.calls[0].Header.Get("Proxy-Connection"))

	evt := <-events
	assert.Equal(t, model.EventPassed, evt.Type)
	assert.Equal(t, rules.RuleUnmatched, evt.Rule)
	assert.Len(t, journal.events, 1)
}

func TestProfileResponseIsRewritten(t *testing.T) {
	body := `{"profile":{"playerStreamingInformation":{"streamingPlatformTokens":[]}}}`
	up := &fakeUpstream{body: body, header: http.Header{
		"Content-Type":   {"application/json"},
		"Content-Length": {strconv.Itoa(len(body))},
	}}
	h, events, _ := newHandler(t, up, readySession(t), nil)

	resp, err := h.Handle(httptest.NewRequest(http.MethodGet, backend+"/profile/42", nil))
	require.NoError(t, err)

	out := readBody(t, resp)
	tokens := gjson.Get(out, rewrite.TokensPath).Array()
	require.Len(t, tokens, 1)
	assert.Equal(t, "U1", tokens[0].Get("userId").String())
	assert.Equal(t, "2024-05-01T13:00:00.000Z", tokens[0].Get("expirationDate").String())
	assert.Equal(t, strconv.Itoa(len(out)), resp.Header.Get("Content-Length"))
	assert.EqualValues(t, len(out), resp.ContentLength)

	evt := <-events
	assert.Equal(t, model.EventMutated, evt.Type)
	assert.Equal(t, rules.RuleProfile, evt.Rule)
}

func TestProfileWithoutCredentialsIsForwardedUnchanged(t *testing.T) {
	body := `{"profile":{"playerStreamingInformation":{"streamingPlatformTokens":[]}}}`
	up := &fakeUpstream{body: body}
	h, _, _ := newHandler(t, up, session.New(), nil)

	resp, err := h.Handle(httptest.NewRequest(http.MethodGet, backend+"/profile/42", nil))
	require.NoError(t, err)
	assert.Equal(t, body, readBody(t, resp))
}

func TestShutdownEmitsBeforeResponse(t *testing.T) {
	up := &fakeUpstream{body: `ok`}
	var fired atomic.Int32
	h, events, _ := newHandler(t, up, readySession(t), func() { fired.Add(1) })

	resp, err := h.Handle(httptest.NewRequest(http.MethodPut, backend+"/profile/42/presence/Shutdown", strings.NewReader(`{}`)))
	require.NoError(t, err)
	assert.EqualValues(t, 1, fired.Load())
	assert.Equal(t, "ok", readBody(t, resp))
	assert.Len(t, up.calls, 1)

	evt := <-events
	assert.Equal(t, model.EventShutdownScheduled, evt.Type)
}

func TestLoopbackIsNeverForwarded(t *testing.T) {
	up := &fakeUpstream{body: `nope`}
	h, events, _ := newHandler(t, up, readySession(t), nil)

	resp, err := h.Handle(httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8000/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
	assert.Empty(t, up.calls)

	evt := <-events
	assert.Equal(t, model.EventReplied, evt.Type)
	assert.Equal(t, rules.RuleLoopback, evt.Rule)
}

func upgradeRequest(url string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, url, nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	return r
}

func TestUpgradeToProxyIsAnswered(t *testing.T) {
	up := &fakeUpstream{}
	h, events, _ := newHandler(t, up, readySession(t), nil)

	resp, err := h.Handle(upgradeRequest("http://127.0.0.1:8000/socket"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, up.calls)

	evt := <-events
	assert.Equal(t, model.EventReplied, evt.Type)
	assert.Equal(t, rules.RuleLoopback, evt.Rule)
}

func TestUpgradeElsewhereIsTunnelled(t *testing.T) {
	up := &fakeUpstream{}
	h, events, journal := newHandler(t, up, readySession(t), nil)

	resp, err := h.Handle(upgradeRequest(backend + "/socket"))
	assert.ErrorIs(t, err, ErrTunnel)
	assert.Nil(t, resp)
	assert.Empty(t, up.calls)

	evt := <-events
	assert.Equal(t, model.EventPassed, evt.Type)
	assert.Equal(t, rules.RuleWebSocket, evt.Rule)
	assert.Len(t, journal.events, 1)
}

func TestFullEventChannelDoesNotBlock(t *testing.T) {
	up := &fakeUpstream{body: `x`}
	h := New(Config{Upstream: up, Events: make(chan model.Event)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.Handle(httptest.NewRequest(http.MethodGet, "https://example.com/", nil))
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked on event channel")
	}
}

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom")
	h.Set("X-Custom", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Content-Type", "text/plain")
	RemoveHopByHop(h)
	assert.Empty(t, h.Get("X-Custom"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Connection"))
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
}
