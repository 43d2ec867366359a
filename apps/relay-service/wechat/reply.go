package wechat

import (
	"encoding/xml"
	"errors"
	"time"
)

// cdata 以CDATA输出，内容中可以包含标记字符
type cdata struct {
	Value string `xml:",cdata"`
}

type textReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

// BuildTextReply 生成被动回复文本消息，收发方与原消息互换
func BuildTextReply(env *Envelope, content string, now time.Time) ([]byte, error) {
	if env == nil || env.FromUserName == "" || env.ToUserName == "" {
		return nil, errors.New("wechat: reply needs both user names")
	}
	return xml.Marshal(textReply{
		ToUserName:   cdata{env.FromUserName},
		FromUserName: cdata{env.ToUserName},
		CreateTime:   now.Unix(),
		MsgType:      cdata{MsgTypeText},
		Content:      cdata{content},
	})
}
