package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"wechat-relay/pkg/logger"
)

// HTTPOptions 上游调用的超时与重试
type HTTPOptions struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	Logger  logger.Logger
	// Client 为空时按Timeout创建
	Client *http.Client
}

func (o *HTTPOptions) normalize() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
}

// response 上游响应
type response struct {
	status int
	header http.Header
	body   []byte
}

// statusError 非2xx响应
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.body)
}

// retryable 网络错误和5xx重试，4xx直接返回
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// doer 带超时和有限次重试的HTTP执行器
type doer struct {
	opts HTTPOptions
}

func newDoer(opts HTTPOptions) *doer {
	opts.normalize()
	return &doer{opts: opts}
}

// do 每次尝试都通过newReq重新构造请求，保证请求体可重放
func (d *doer) do(ctx context.Context, name string, newReq func(ctx context.Context) (*http.Request, error)) (*response, error) {
	var lastErr error
	attempts := d.opts.Retries + 1

	for i := 0; i < attempts; i++ {
		resp, err := d.once(ctx, newReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || i == attempts-1 {
			break
		}

		d.opts.Logger.Warn(ctx, "upstream call failed, retrying",
			logger.F("call", name),
			logger.F("attempt", i+1),
			logger.Err(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * d.opts.Backoff):
		}
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

func (d *doer) once(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := newReq(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &statusError{status: resp.StatusCode, body: snippet}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}
