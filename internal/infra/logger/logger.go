package logger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDKey is used to store a request identifier on the context.
type RequestIDKey struct{}

// TraceIDKey is used to store the active trace identifier on the context.
type TraceIDKey struct{}

// New builds the process logger. Production emits JSON at info; everything else
// gets the console encoder at debug. An explicit level overrides either default.
func New(env, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env != "production" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level = strings.TrimSpace(level); level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	return cfg.Build()
}

// FromContext decorates base with the request and trace ids carried by ctx.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	if ctx == nil {
		return base
	}

	var fields []zap.Field
	if id, ok := ctx.Value(RequestIDKey{}).(string); ok && id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := ctx.Value(TraceIDKey{}).(string); ok && id != "" {
		fields = append(fields, zap.String("trace_id", id))
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// MaskIP keeps the network half of an address: 192.168.1.100 becomes 192.168.*.*
// and IPv6 keeps its first four groups.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}

	if parts := strings.Split(ip, "."); len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".*.*"
	}
	if parts := strings.Split(ip, ":"); len(parts) >= 4 {
		return strings.Join(parts[:4], ":") + ":*:*:*:*"
	}

	return "***"
}

// MaskString keeps two characters at each end: "secret123" becomes "se***23".
func MaskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "***"
	}
	return s[:2] + "***" + s[len(s)-2:]
}

// MaskIdentity masks a rate-limit identity, treating anything address-shaped as an IP.
func MaskIdentity(identity string) string {
	if strings.ContainsAny(identity, ".:") {
		return MaskIP(identity)
	}
	return MaskString(identity)
}
