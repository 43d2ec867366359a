package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultWechatAPIURL 公众号接口地址
const DefaultWechatAPIURL = "https://api.weixin.qq.com"

// WechatError 公众号接口错误码
type WechatError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *WechatError) Error() string {
	return fmt.Sprintf("wechat errcode %d: %s", e.Code, e.Message)
}

// 令牌失效相关错误码
func (e *WechatError) tokenExpired() bool {
	return e.Code == 40001 || e.Code == 40014 || e.Code == 42001
}

// WechatClient 公众号接口客户端
type WechatClient struct {
	baseURL string
	appID   string
	secret  string
	http    *doer
	tokens  *tokenCache
}

// NewWechatClient 创建公众号客户端
func NewWechatClient(baseURL, appID, secret string, opts HTTPOptions) *WechatClient {
	if baseURL == "" {
		baseURL = DefaultWechatAPIURL
	}
	c := &WechatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		secret:  secret,
		http:    newDoer(opts),
	}
	c.tokens = newTokenCache("wechat:access_token:"+appID, c.fetchToken)
	return c
}

// WithSharedTokens 令牌写入共享存储，多实例共用一份
func (c *WechatClient) WithSharedTokens(store SharedTokenStore) *WechatClient {
	c.tokens.shared = store
	return c
}

// Configured 是否配置了AppID和Secret
func (c *WechatClient) Configured() bool {
	return c.appID != "" && c.secret != ""
}

func (c *WechatClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if !c.Configured() {
		return "", 0, fmt.Errorf("wechat appid/secret not configured")
	}
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", c.secret)
	endpoint := c.baseURL + "/cgi-bin/token?" + q.Encode()

	resp, err := c.http.do(ctx, "wechat token", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return "", 0, err
	}

	var out struct {
		WechatError
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", 0, fmt.Errorf("decode wechat token: %w", err)
	}
	if out.Code != 0 {
		return "", 0, &out.WechatError
	}
	if out.AccessToken == "" {
		return "", 0, fmt.Errorf("wechat token response without access_token")
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

// AccessToken 获取缓存的access_token
func (c *WechatClient) AccessToken(ctx context.Context) (string, error) {
	return c.tokens.get(ctx)
}

// DownloadMedia 下载临时素材，返回内容和Content-Type
func (c *WechatClient) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	if mediaID == "" {
		return nil, "", fmt.Errorf("empty media id")
	}
	data, ctype, err := c.downloadOnce(ctx, mediaID)
	var we *WechatError
	if errors.As(err, &we) && we.tokenExpired() {
		c.tokens.invalidate()
		data, ctype, err = c.downloadOnce(ctx, mediaID)
	}
	return data, ctype, err
}

func (c *WechatClient) downloadOnce(ctx context.Context, mediaID string) ([]byte, string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("access token: %w", err)
	}
	q := url.Values{}
	q.Set("access_token", token)
	q.Set("media_id", mediaID)
	endpoint := c.baseURL + "/cgi-bin/media/get?" + q.Encode()

	resp, err := c.http.do(ctx, "wechat media", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, "", err
	}

	ctype := resp.header.Get("Content-Type")
	// 出错时接口返回JSON错误体而不是文件
	if strings.HasPrefix(ctype, "application/json") || strings.HasPrefix(ctype, "text/plain") {
		var we WechatError
		if json.Unmarshal(resp.body, &we) == nil && we.Code != 0 {
			return nil, "", &we
		}
	}
	return resp.body, ctype, nil
}
