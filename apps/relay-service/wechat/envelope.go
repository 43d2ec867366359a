package wechat

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// 推送消息类型
const (
	MsgTypeText       = "text"
	MsgTypeVoice      = "voice"
	MsgTypeImage      = "image"
	MsgTypeVideo      = "video"
	MsgTypeShortVideo = "shortvideo"
	MsgTypeLocation   = "location"
	MsgTypeLink       = "link"
	MsgTypeEvent      = "event"
)

// 事件类型
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventClick       = "CLICK"
)

// Envelope 公众号推送的XML消息体
type Envelope struct {
	XMLName      xml.Name `xml:"xml" json:"-"`
	ToUserName   string   `xml:"ToUserName" json:"ToUserName"`
	FromUserName string   `xml:"FromUserName" json:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime" json:"CreateTime"`
	MsgType      string   `xml:"MsgType" json:"MsgType"`
	MsgID        string   `xml:"MsgId" json:"MsgId,omitempty"`

	Content      string `xml:"Content" json:"Content,omitempty"`
	MediaID      string `xml:"MediaId" json:"MediaId,omitempty"`
	Format       string `xml:"Format" json:"Format,omitempty"`
	Recognition  string `xml:"Recognition" json:"Recognition,omitempty"`
	PicURL       string `xml:"PicUrl" json:"PicUrl,omitempty"`
	ThumbMediaID string `xml:"ThumbMediaId" json:"ThumbMediaId,omitempty"`
	LocationX    string `xml:"Location_X" json:"Location_X,omitempty"`
	LocationY    string `xml:"Location_Y" json:"Location_Y,omitempty"`
	Scale        string `xml:"Scale" json:"Scale,omitempty"`
	Label        string `xml:"Label" json:"Label,omitempty"`
	Title        string `xml:"Title" json:"Title,omitempty"`
	Description  string `xml:"Description" json:"Description,omitempty"`
	URL          string `xml:"Url" json:"Url,omitempty"`
	Event        string `xml:"Event" json:"Event,omitempty"`
	EventKey     string `xml:"EventKey" json:"EventKey,omitempty"`
}

// ParseEnvelope 解析推送XML，字段两端空白会被去掉
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse wechat xml: %w", err)
	}
	env.trim()
	if env.FromUserName == "" || env.MsgType == "" {
		return nil, fmt.Errorf("parse wechat xml: missing FromUserName or MsgType")
	}
	return &env, nil
}

func (e *Envelope) trim() {
	for _, f := range []*string{
		&e.ToUserName, &e.FromUserName, &e.MsgType, &e.MsgID, &e.Content,
		&e.MediaID, &e.Format, &e.Recognition, &e.PicURL, &e.ThumbMediaID,
		&e.LocationX, &e.LocationY, &e.Scale, &e.Label, &e.Title,
		&e.Description, &e.URL, &e.Event, &e.EventKey,
	} {
		*f = strings.TrimSpace(*f)
	}
}
