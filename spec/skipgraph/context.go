package skipgraph

import "context"

type callerCtxType string

const callerCtxKey callerCtxType = "skipgraphCaller"

// WithCaller records the identity issuing a request, so lock ownership can be
// checked without a session token.
func WithCaller(ctx context.Context, caller Identity) context.Context {
	return context.WithValue(ctx, callerCtxKey, caller)
}

func CallerFromContext(ctx context.Context) Identity {
	caller, ok := ctx.Value(callerCtxKey).(Identity)
	if !ok {
		return EmptyNode
	}
	return caller
}
