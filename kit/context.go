package kit

import "context"

type contextKey string

const (
	UserIDKey    contextKey = "kit_user_id"
	UsernameKey  contextKey = "kit_username"
	RoleKey      contextKey = "kit_role"
	APIKeyIDKey  contextKey = "kit_api_key_id"
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	TraceIDKey   contextKey = "kit_trace_id"
)

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func WithUsername(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, UsernameKey, name)
}
func GetUsername(ctx context.Context) string {
	v, _ := ctx.Value(UsernameKey).(string)
	return v
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}

// WithAPIKeyID records the key the caller authenticated with; token usage
// of jobs submitted under it is attributed to that key.
func WithAPIKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, APIKeyIDKey, id)
}
func GetAPIKeyID(ctx context.Context) string {
	v, _ := ctx.Value(APIKeyIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}
