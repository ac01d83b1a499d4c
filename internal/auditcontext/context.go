package auditcontext

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type ipAddressKey struct{}
type userAgentKey struct{}
type actorKey struct{}

type actor struct {
	Type string
	ID   string
}

// WithRequestID stores the request ID for audit records.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request ID, if set.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithIPAddress stores the caller IP address.
func WithIPAddress(ctx context.Context, ip string) context.Context {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipAddressKey{}, ip)
}

// IPAddressFromContext returns the caller IP address, if set.
func IPAddressFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ipAddressKey{}).(string); ok {
		return v
	}
	return ""
}

// WithUserAgent stores the caller user agent.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentKey{}, ua)
}

// UserAgentFromContext returns the caller user agent, if set.
func UserAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(userAgentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActor stores the acting principal (user, operator, system).
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	actorType = strings.TrimSpace(actorType)
	if actorType == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor{Type: actorType, ID: strings.TrimSpace(actorID)})
}

// ActorFromContext returns the acting principal, if set.
func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if v, ok := ctx.Value(actorKey{}).(actor); ok {
		return v.Type, v.ID
	}
	return "", ""
}
