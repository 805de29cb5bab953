package strand

import "context"

// CallScope identifies the conversation a tool call runs for. The engine
// attaches it to the context before dispatch so handlers can scope their
// reads and writes without widening the Tool interface.
type CallScope struct {
	ConversationID string
	AgentID        string
	UserID         string
}

type callScopeKey struct{}

func WithCallScope(ctx context.Context, s CallScope) context.Context {
	return context.WithValue(ctx, callScopeKey{}, s)
}

// CallScopeFrom extracts the scope; ok is false outside a tool dispatch.
func CallScopeFrom(ctx context.Context) (CallScope, bool) {
	s, ok := ctx.Value(callScopeKey{}).(CallScope)
	return s, ok
}
