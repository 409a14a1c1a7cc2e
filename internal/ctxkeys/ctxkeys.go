package ctxkeys

import "context"

// TraceIDKey 上下文中的追踪ID键
type TraceIDKey struct{}

// WithTraceID 返回携带追踪ID的上下文
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, id)
}

// TraceID 读取上下文中的追踪ID
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(TraceIDKey{}).(string)
	return id
}

type sessionKey struct{}

// WithSession 返回携带会话ID的上下文
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// Session 读取上下文中的会话ID
func Session(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
