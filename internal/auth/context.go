// ABOUTME: Request context carriage for the validated TokenInfo
// ABOUTME: Provides WithToken/FromContext for handlers downstream of the auth gate

package auth

import "context"

// tokenContextKey is the key type for storing TokenInfo in context.Context.
type tokenContextKey struct{}

// WithToken returns a new context with info attached.
func WithToken(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, info)
}

// FromContext retrieves the TokenInfo from the context, returning nil if not present.
func FromContext(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(tokenContextKey{}).(*TokenInfo)
	return info
}
