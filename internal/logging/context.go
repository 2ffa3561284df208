package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type userCtxKey struct{}
type passCtxKey struct{}
type loggerCtxKey struct{}

type passInfo struct {
	id   string
	tier string
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if p, ok := ctx.Value(passCtxKey{}).(passInfo); ok {
		fields = append(fields, zap.String("pass.id", p.id))
		if p.tier != "" {
			fields = append(fields, zap.String("pass.tier", p.tier))
		}
	}

	if userID := UserIDFromContext(ctx); userID != "" {
		fields = append(fields, zap.String("user.id", userID))
	}
	return fields
}

// WithUserID tags the context with the user being evaluated.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserIDFromContext returns the user id set by WithUserID, or "".
func UserIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(userCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithPass tags the context with an evaluation pass id and scheduler tier.
func WithPass(ctx context.Context, passID, tier string) context.Context {
	return context.WithValue(ctx, passCtxKey{}, passInfo{id: passID, tier: tier})
}

// PassIDFromContext returns the pass id set by WithPass, or "".
func PassIDFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(passCtxKey{}).(passInfo); ok {
		return p.id
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
