package logger

import (
	"context"
	"fmt"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// KratosLogger 把Logger适配为kratos日志接口，供生命周期管理器使用
type KratosLogger struct {
	logger Logger
}

// NewKratosLogger 创建Kratos日志适配器
func NewKratosLogger(logger Logger) kratoslog.Logger {
	return &KratosLogger{logger: logger}
}

// Log 实现kratoslog.Logger，键"msg"作为日志正文
func (kl *KratosLogger) Log(level kratoslog.Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}

	var msg string
	fields := make([]Field, 0, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprintf("%v", keyvals[i])
		if i+1 == len(keyvals) {
			// 落单的值
			fields = append(fields, F("extra", keyvals[i]))
			break
		}
		switch key {
		case "msg":
			msg = fmt.Sprintf("%v", keyvals[i+1])
		case "error":
			if err, ok := keyvals[i+1].(error); ok {
				fields = append(fields, Err(err))
				continue
			}
			fields = append(fields, F(key, keyvals[i+1]))
		default:
			fields = append(fields, F(key, keyvals[i+1]))
		}
	}
	if msg == "" {
		msg = "lifecycle"
	}

	ctx := context.Background()
	switch level {
	case kratoslog.LevelDebug:
		kl.logger.Debug(ctx, msg, fields...)
	case kratoslog.LevelWarn:
		kl.logger.Warn(ctx, msg, fields...)
	case kratoslog.LevelError, kratoslog.LevelFatal:
		kl.logger.Error(ctx, msg, fields...)
	default:
		kl.logger.Info(ctx, msg, fields...)
	}
	return nil
}
