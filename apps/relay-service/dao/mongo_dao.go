package dao

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/logger"
)

const (
	statsCollection = "wechat_stats"
	statsDocID      = "global"
)

// MongoStore MongoDB存储
type MongoStore struct {
	messages *mongo.Collection
	stats    *mongo.Collection
	opts     Options
	location string
	// 同进程内串行化写入，保证ID与创建时间同序
	mu sync.Mutex
}

// NewMongoStore 创建MongoDB存储并确保索引
func NewMongoStore(ctx context.Context, db *mongo.Database, collection string, opts Options) (*MongoStore, error) {
	opts.normalize()
	s := &MongoStore{
		messages: db.Collection(collection),
		stats:    db.Collection(statsCollection),
		opts:     opts,
		location: db.Name() + "." + collection,
	}

	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "wechat_msg_id", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

// Append 插入消息后以$inc更新统计
func (s *MongoStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := newRecord(msg, s.opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.messages.InsertOne(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	var delta model.Stats
	delta.Record(rec)
	inc := bson.M{
		"total_messages":                 delta.TotalMessages,
		"voice_messages":                 delta.VoiceMessages,
		"text_messages":                  delta.TextMessages,
		"image_messages":                 delta.ImageMessages,
		"free_voice_recognitions":        delta.FreeVoiceRecognitions,
		"daily_usage.messages":           delta.DailyUsage.Messages,
		"daily_usage.voice_recognitions": delta.DailyUsage.VoiceRecognitions,
	}
	_, err = s.stats.UpdateOne(ctx,
		bson.M{"_id": statsDocID},
		bson.M{"$inc": inc, "$setOnInsert": bson.M{"last_reset_date": rec.CreatedAt}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// 消息已写入即视为成功，统计只是派生数据
		s.opts.Logger.Warn(ctx, "update stats failed", logger.F("message_id", rec.ID), logger.Err(err))
	}
	return clone(rec), nil
}

// Get 按ID读取
func (s *MongoStore) Get(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateStatus 修改单条状态
func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status model.Status) (*model.Message, error) {
	now := s.opts.Now()
	var m model.Message
	err := s.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// BatchUpdateStatus 批量修改状态
func (s *MongoStore) BatchUpdateStatus(ctx context.Context, ids []string, status model.Status) ([]*model.Message, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return []*model.Message{}, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	now := s.opts.Now()
	if _, err := s.messages.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"status": status, "updated_at": now}}); err != nil {
		return nil, err
	}
	// 回读本次修改的记录，用于推送状态变更
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}, "updated_at": now}, nil)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*model.Message, error) {
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make([]*model.Message, 0)
	for cursor.Next(ctx) {
		var m model.Message
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cursor.Err()
}

func toFilter(q model.SearchQuery) bson.M {
	filter := bson.M{}
	if q.UserID != "" {
		filter["user_id"] = q.UserID
	}
	if q.Keyword != "" {
		filter["converted_text"] = bson.M{"$regex": regexp.QuoteMeta(q.Keyword)}
	}
	if q.ContentType != "" {
		filter["content_type"] = q.ContentType
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.StartDate != nil || q.EndDate != nil {
		r := bson.M{}
		if q.StartDate != nil {
			r["$gte"] = *q.StartDate
		}
		if q.EndDate != nil {
			r["$lte"] = *q.EndDate
		}
		filter["created_at"] = r
	}
	return filter
}

// FindByUser 按用户查询
func (s *MongoStore) FindByUser(ctx context.Context, userID string, opts model.ListOptions) ([]*model.Message, error) {
	opts = normalizeList(opts)
	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(opts.Skip)).
		SetLimit(int64(opts.Limit))
	return s.find(ctx, toFilter(model.SearchQuery{UserID: userID, Status: opts.Status}), findOpts)
}

// FindPending 查询待同步消息
func (s *MongoStore) FindPending(ctx context.Context, limit int) ([]*model.Message, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(pendingLimit(limit)))
	return s.find(ctx, bson.M{"status": model.StatusPending}, findOpts)
}

// Search 条件搜索
func (s *MongoStore) Search(ctx context.Context, q model.SearchQuery) ([]*model.Message, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	return s.find(ctx, toFilter(q), findOpts)
}

// Aggregate 按类型和状态分组计数
func (s *MongoStore) Aggregate(ctx context.Context, q model.SearchQuery) (*model.Aggregate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: toFilter(q)}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"type": "$content_type", "status": "$status"},
			"count": bson.M{"$sum": 1},
		}}},
	}
	cursor, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	agg := model.NewAggregate()
	for cursor.Next(ctx) {
		var row struct {
			ID struct {
				Type   string `bson:"type"`
				Status string `bson:"status"`
			} `bson:"_id"`
			Count int `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		agg.Total += row.Count
		agg.TypeStats[row.ID.Type] += row.Count
		agg.StatusStats[row.ID.Status] += row.Count
	}
	return agg, cursor.Err()
}

// Count 消息总数
func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	return s.messages.EstimatedDocumentCount(ctx)
}

// Stats 读取统计
func (s *MongoStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.stats.FindOne(ctx, bson.M{"_id": statsDocID}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.NewStats(s.opts.Now()), nil
	}
	return st, err
}

// ResetDaily 清零当日用量
func (s *MongoStore) ResetDaily(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.stats.FindOneAndUpdate(ctx,
		bson.M{"_id": statsDocID},
		bson.M{"$set": bson.M{
			"daily_usage.messages":           0,
			"daily_usage.voice_recognitions": 0,
			"last_reset_date":                s.opts.Now(),
		}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&st)
	return st, err
}

// Info 存储描述
func (s *MongoStore) Info() Info {
	return Info{Driver: "mongodb", Location: s.location}
}

// Close 连接由Application统一关闭
func (s *MongoStore) Close(context.Context) error {
	return nil
}
