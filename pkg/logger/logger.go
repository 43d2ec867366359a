package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 日志接口
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	WithContext(ctx context.Context) Logger
	With(fields ...Field) Logger
	Sync() error
}

// Field 日志字段
type Field struct {
	Key   string
	Value interface{}
}

// F 构造日志字段
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err 构造error字段
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	userIDKey    ctxKey = "user_id"
)

// WithRequestID 在上下文中写入请求ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUserID 在上下文中写入用户标识
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// RequestIDFrom 读取请求ID
func RequestIDFrom(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

type logger struct {
	zapLogger *zap.Logger
}

// NewLogger 创建日志实例，development为true时输出彩色控制台格式
func NewLogger(level string, development bool) (Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	zapLogger, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	return &logger{zapLogger: zapLogger}, nil
}

// NewFromZap 包装已有的zap实例
func NewFromZap(z *zap.Logger) Logger {
	return &logger{zapLogger: z}
}

// NewNopLogger 不输出任何内容的日志，测试用
func NewNopLogger() Logger {
	return &logger{zapLogger: zap.NewNop()}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields...)
}

func (l *logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields...)
}

func (l *logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields...)
}

func (l *logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields...)
}

// WithContext 把上下文中的用户标识固化到日志实例
func (l *logger) WithContext(ctx context.Context) Logger {
	fields := make([]zap.Field, 0, 1)
	if userID := stringFrom(ctx, userIDKey); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return &logger{zapLogger: l.zapLogger.With(fields...)}
}

// With 附加固定字段
func (l *logger) With(fields ...Field) Logger {
	return &logger{zapLogger: l.zapLogger.With(toZap(fields)...)}
}

func (l *logger) Sync() error {
	return l.zapLogger.Sync()
}

func (l *logger) log(ctx context.Context, level zapcore.Level, msg string, fields ...Field) {
	if ce := l.zapLogger.Check(level, msg); ce != nil {
		zapFields := toZap(fields)
		if requestID := RequestIDFrom(ctx); requestID != "" {
			zapFields = append(zapFields, zap.String("request_id", requestID))
		}
		ce.Write(zapFields...)
	}
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
