package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"wechat-relay/pkg/config"
)

const (
	mongoConnectTimeout = 10 * time.Second
	mongoCloseTimeout   = 5 * time.Second
)

// MongoDB MongoDB连接管理器
type MongoDB struct {
	client     *mongo.Client
	dbName     string
	collection string
}

// NewMongoDB 创建MongoDB连接，10秒内未连通视为失败
// 消息写入要求多数节点确认，状态更新才能在重连后读到
func NewMongoDB(ctx context.Context, cfg config.MongoDBConfig, appName string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(appName).
		SetServerSelectionTimeout(mongoConnectTimeout).
		SetWriteConcern(writeconcern.Majority())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect %s: %w", cfg.DBName, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping %s: %w", cfg.DBName, err)
	}

	return &MongoDB{client: client, dbName: cfg.DBName, collection: cfg.Collection}, nil
}

// Database 获取数据库
func (m *MongoDB) Database() *mongo.Database {
	return m.client.Database(m.dbName)
}

// MessageCollection 消息集合名
func (m *MongoDB) MessageCollection() string {
	return m.collection
}

// Close 关闭连接
func (m *MongoDB) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoCloseTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
