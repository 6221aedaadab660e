package utils

import "context"

// ContextKey is the shared type for all context keys in this codebase.
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyUserId    = ContextKey("UserId")
	ContextKeyRequestId = ContextKey("RequestId")
)

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(ContextKeyUserId).(int)
	return v, ok
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return context.WithValue(ctx, ContextKeyUserId, userId)
}

func GetRequestIdFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyRequestId).(string)
	return v, ok
}

func SetRequestIdInContext(ctx context.Context, requestId string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestId, requestId)
}
