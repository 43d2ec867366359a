package dao

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"wechat-relay/apps/relay-service/model"
)

// esMaxResults 单次检索上限，与index.max_result_window默认值一致
const esMaxResults = 10000

// 消息索引映射，converted_text.raw用于子串匹配
var messageMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":           map[string]interface{}{"type": "keyword"},
			"user_id":      map[string]interface{}{"type": "keyword"},
			"content_type": map[string]interface{}{"type": "keyword"},
			"status":       map[string]interface{}{"type": "keyword"},
			"created_at":   map[string]interface{}{"type": "date"},
			"converted_text": map[string]interface{}{
				"type":   "text",
				"fields": map[string]interface{}{"raw": map[string]interface{}{"type": "keyword"}},
			},
		},
	},
}

type esDoc struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	ContentType   model.ContentType `json:"content_type"`
	Status        model.Status      `json:"status"`
	ConvertedText string            `json:"converted_text"`
	CreatedAt     time.Time         `json:"created_at"`
}

func toDoc(m *model.Message) esDoc {
	return esDoc{
		ID:            m.ID,
		UserID:        m.UserID,
		ContentType:   m.ContentType,
		Status:        m.Status,
		ConvertedText: m.ConvertedText,
		CreatedAt:     m.CreatedAt,
	}
}

// ElasticIndex 基于ElasticSearch的消息检索索引
type ElasticIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticIndex 创建检索索引
func NewElasticIndex(client *elasticsearch.Client, index string) *ElasticIndex {
	return &ElasticIndex{client: client, index: index}
}

// EnsureIndex 索引不存在时按映射创建，返回是否新建
func (e *ElasticIndex) EnsureIndex(ctx context.Context) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", e.index, err)
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusNotFound:
	default:
		return false, fmt.Errorf("check index %s: status %d", e.index, res.StatusCode)
	}

	body, err := json.Marshal(messageMapping)
	if err != nil {
		return false, err
	}
	res, err = esapi.IndicesCreateRequest{Index: e.index, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return false, fmt.Errorf("create index %s: %w", e.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return false, fmt.Errorf("create index %s: %s", e.index, res.String())
	}
	return true, nil
}

// Index 写入或覆盖文档，多条时走bulk
func (e *ElasticIndex) Index(ctx context.Context, msgs ...*model.Message) error {
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return e.indexOne(ctx, msgs[0])
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		meta := map[string]interface{}{"index": map[string]interface{}{"_index": e.index, "_id": m.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(toDoc(m)); err != nil {
			return err
		}
	}

	res, err := esapi.BulkRequest{Body: &buf, Refresh: "true"}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk index: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if out.Errors {
		return fmt.Errorf("bulk index: some of %d documents failed", len(msgs))
	}
	return nil
}

func (e *ElasticIndex) indexOne(ctx context.Context, m *model.Message) error {
	body, err := json.Marshal(toDoc(m))
	if err != nil {
		return err
	}
	res, err := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: m.ID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("index document %s: %w", m.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index document %s: %s", m.ID, res.String())
	}
	return nil
}

// Search 返回命中的消息ID，按创建时间倒序；命中数超过上限时complete为false
func (e *ElasticIndex) Search(ctx context.Context, q model.SearchQuery) ([]string, bool, error) {
	body, err := json.Marshal(buildSearchBody(q))
	if err != nil {
		return nil, false, err
	}
	res, err := esapi.SearchRequest{Index: []string{e.index}, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return nil, false, fmt.Errorf("search %s: %w", e.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, false, fmt.Errorf("search %s: %s", e.index, res.String())
	}

	var out struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode search response: %w", err)
	}

	ids := make([]string, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		ids = append(ids, h.ID)
	}
	return ids, out.Hits.Total.Value <= len(ids), nil
}

// buildSearchBody 条件全部放在filter中；时间范围各放宽1ms，毫秒精度的索引不会漏掉边界记录
func buildSearchBody(q model.SearchQuery) map[string]interface{} {
	filter := make([]interface{}, 0, 5)
	term := func(field, value string) {
		if value != "" {
			filter = append(filter, map[string]interface{}{"term": map[string]interface{}{field: value}})
		}
	}
	term("user_id", q.UserID)
	term("content_type", string(q.ContentType))
	term("status", string(q.Status))

	if q.Keyword != "" {
		filter = append(filter, map[string]interface{}{
			"wildcard": map[string]interface{}{
				"converted_text.raw": map[string]interface{}{"value": "*" + escapeWildcard(q.Keyword) + "*"},
			},
		})
	}
	if q.StartDate != nil || q.EndDate != nil {
		r := map[string]interface{}{}
		if q.StartDate != nil {
			r["gte"] = q.StartDate.Add(-time.Millisecond).UTC().Format(time.RFC3339Nano)
		}
		if q.EndDate != nil {
			r["lte"] = q.EndDate.Add(time.Millisecond).UTC().Format(time.RFC3339Nano)
		}
		filter = append(filter, map[string]interface{}{"range": map[string]interface{}{"created_at": r}})
	}

	return map[string]interface{}{
		"query":            map[string]interface{}{"bool": map[string]interface{}{"filter": filter}},
		"sort":             []interface{}{map[string]interface{}{"created_at": "desc"}, map[string]interface{}{"id": "desc"}},
		"size":             esMaxResults,
		"_source":          false,
		"track_total_hits": true,
	}
}

var wildcardEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)

func escapeWildcard(s string) string {
	return wildcardEscaper.Replace(s)
}
