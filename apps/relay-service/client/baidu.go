package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// 百度语音识别默认参数
const (
	DefaultBaiduTokenURL = "https://aip.baidubce.com/oauth/2.0/token"
	DefaultBaiduASRURL   = "https://vop.baidu.com/server_api"
	DefaultBaiduCUID     = "wechat-relay"

	baiduDevPIDMandarin = 1537
	wechatVoiceRate     = 8000
)

// BaiduConfig 百度语音识别配置
type BaiduConfig struct {
	APIKey    string
	SecretKey string
	TokenURL  string
	ASRURL    string
	CUID      string
}

// BaiduASR 百度短语音识别客户端
type BaiduASR struct {
	cfg    BaiduConfig
	http   *doer
	tokens *tokenCache
}

// NewBaiduASR 创建百度语音识别客户端
func NewBaiduASR(cfg BaiduConfig, opts HTTPOptions) *BaiduASR {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultBaiduTokenURL
	}
	if cfg.ASRURL == "" {
		cfg.ASRURL = DefaultBaiduASRURL
	}
	if cfg.CUID == "" {
		cfg.CUID = DefaultBaiduCUID
	}
	a := &BaiduASR{cfg: cfg, http: newDoer(opts)}
	a.tokens = newTokenCache("baidu:access_token:"+cfg.APIKey, a.fetchToken)
	return a
}

// WithSharedTokens 令牌写入共享存储
func (a *BaiduASR) WithSharedTokens(store SharedTokenStore) *BaiduASR {
	a.tokens.shared = store
	return a
}

// Configured 是否配置了密钥
func (a *BaiduASR) Configured() bool {
	return a.cfg.APIKey != "" && a.cfg.SecretKey != ""
}

func (a *BaiduASR) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if !a.Configured() {
		return "", 0, fmt.Errorf("baidu api key/secret not configured")
	}
	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", a.cfg.APIKey)
	q.Set("client_secret", a.cfg.SecretKey)
	endpoint := a.cfg.TokenURL + "?" + q.Encode()

	resp, err := a.http.do(ctx, "baidu token", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return "", 0, err
	}

	var out struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", 0, fmt.Errorf("decode baidu token: %w", err)
	}
	if out.Error != "" {
		return "", 0, fmt.Errorf("baidu token: %s %s", out.Error, out.ErrorDescription)
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

type asrRequest struct {
	Format  string `json:"format"`
	Rate    int    `json:"rate"`
	Channel int    `json:"channel"`
	CUID    string `json:"cuid"`
	Token   string `json:"token"`
	DevPID  int    `json:"dev_pid"`
	Speech  string `json:"speech"`
	Len     int    `json:"len"`
}

// Recognize 识别一段音频，format为amr/pcm/wav等
func (a *BaiduASR) Recognize(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio")
	}
	if format == "" {
		format = "amr"
	}
	token, err := a.tokens.get(ctx)
	if err != nil {
		return "", fmt.Errorf("baidu token: %w", err)
	}

	body, err := json.Marshal(asrRequest{
		Format:  format,
		Rate:    wechatVoiceRate,
		Channel: 1,
		CUID:    a.cfg.CUID,
		Token:   token,
		DevPID:  baiduDevPIDMandarin,
		Speech:  base64.StdEncoding.EncodeToString(audio),
		Len:     len(audio),
	})
	if err != nil {
		return "", err
	}

	resp, err := a.http.do(ctx, "baidu asr", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ASRURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out struct {
		ErrNo  int      `json:"err_no"`
		ErrMsg string   `json:"err_msg"`
		Result []string `json:"result"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("decode baidu asr: %w", err)
	}
	if out.ErrNo != 0 {
		return "", fmt.Errorf("baidu asr err_no %d: %s", out.ErrNo, out.ErrMsg)
	}
	if len(out.Result) == 0 || out.Result[0] == "" {
		return "", fmt.Errorf("baidu asr returned no result")
	}
	return out.Result[0], nil
}

// MediaRecognizer 先下载公众号语音素材，再交给百度识别
type MediaRecognizer struct {
	media *WechatClient
	asr   *BaiduASR
}

// NewMediaRecognizer 创建素材识别器
func NewMediaRecognizer(media *WechatClient, asr *BaiduASR) *MediaRecognizer {
	return &MediaRecognizer{media: media, asr: asr}
}

// Recognize 按素材ID识别
func (r *MediaRecognizer) Recognize(ctx context.Context, mediaID string) (string, error) {
	audio, _, err := r.media.DownloadMedia(ctx, mediaID)
	if err != nil {
		return "", fmt.Errorf("download media %s: %w", mediaID, err)
	}
	return r.asr.Recognize(ctx, audio, "amr")
}
