package database

import (
	"context"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"wechat-relay/pkg/config"
)

// ElasticSearch ElasticSearch客户端封装
type ElasticSearch struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticSearch 创建ElasticSearch连接，启动时探测一次集群
func NewElasticSearch(ctx context.Context, cfg config.SearchConfig) (*ElasticSearch, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	es := &ElasticSearch{client: client, index: cfg.Index}
	if err := es.Ping(ctx); err != nil {
		return nil, err
	}
	return es, nil
}

// Client 获取原生客户端
func (es *ElasticSearch) Client() *elasticsearch.Client {
	return es.client
}

// Index 消息索引名
func (es *ElasticSearch) Index() string {
	return es.index
}

// Ping 测试连接
func (es *ElasticSearch) Ping(ctx context.Context) error {
	res, err := es.client.Info(es.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch info: %s", res.String())
	}
	return nil
}
