package wechat

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrMissingParams 缺少signature/timestamp/nonce
	ErrMissingParams = errors.New("wechat: missing signature params")
	// ErrInvalidSignature 签名不匹配
	ErrInvalidSignature = errors.New("wechat: invalid signature")
)

// Signature 计算 sha1(sort(token, timestamp, nonce)) 的十六进制结果
func Signature(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature 校验推送来源
func VerifySignature(token, signature, timestamp, nonce string) error {
	if signature == "" || timestamp == "" || nonce == "" {
		return ErrMissingParams
	}
	expected := Signature(token, timestamp, nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
