package toolgateway

import "context"

type callContextKey struct{}

// CallInfo describes the turn a tool call belongs to.
type CallInfo struct {
	SessionID string
	TurnID    string
	CallID    string
}

// ContextWithCall attaches call information for tool handlers.
func ContextWithCall(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callContextKey{}, info)
}

// CallFromContext extracts the call information, if any.
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	if ctx == nil {
		return CallInfo{}, false
	}
	info, ok := ctx.Value(callContextKey{}).(CallInfo)
	return info, ok
}
