package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Nats      NatsConfig      `mapstructure:"nats"`
	WeChat    WeChatConfig    `mapstructure:"wechat"`
	Speech    SpeechConfig    `mapstructure:"speech"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig 应用基础信息
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`
}

// IsDevelopment 是否开发环境
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development"
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr 监听地址
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// StorageConfig 消息存储配置，driver取值 file|pebble|mongo
type StorageConfig struct {
	Driver     string        `mapstructure:"driver"`
	DataDir    string        `mapstructure:"data_dir"`
	PebblePath string        `mapstructure:"pebble_path"`
	MongoDB    MongoDBConfig `mapstructure:"mongodb"`
	Search     SearchConfig  `mapstructure:"search"`
}

// MongoDBConfig MongoDB配置
type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	DBName     string `mapstructure:"db_name"`
	Collection string `mapstructure:"collection"`
}

// SearchConfig 关键词检索索引，driver取值 none|elasticsearch
type SearchConfig struct {
	Driver    string   `mapstructure:"driver"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// RedisConfig Redis配置，Addr为空表示不启用
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled 是否配置了Redis
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topic   string   `mapstructure:"topic"`
}

// NatsConfig NATS配置
type NatsConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// WeChatConfig 公众号配置
type WeChatConfig struct {
	AppID          string `mapstructure:"appid"`
	Secret         string `mapstructure:"secret"`
	Token          string `mapstructure:"token"`
	EncodingAESKey string `mapstructure:"encoding_aes_key"`
	APIURL         string `mapstructure:"api_url"`
}

// SpeechConfig 语音识别配置，provider取值 none|baidu
type SpeechConfig struct {
	Provider  string        `mapstructure:"provider"`
	APIKey    string        `mapstructure:"api_key"`
	SecretKey string        `mapstructure:"secret_key"`
	ASRURL    string        `mapstructure:"asr_url"`
	TokenURL  string        `mapstructure:"token_url"`
	CUID      string        `mapstructure:"cuid"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
}

// VoiceConfig 语音文本缓存配置，cache取值 memory|redis
type VoiceConfig struct {
	Cache     string        `mapstructure:"cache"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// RelayConfig 实时推送配置，bridge取值 none|redis|nats，delivery取值 broadcast|unicast
type RelayConfig struct {
	Path         string        `mapstructure:"path"`
	Delivery     string        `mapstructure:"delivery"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Bridge       string        `mapstructure:"bridge"`
	Channel      string        `mapstructure:"channel"`
}

// QueueConfig 异步任务配置，driver取值 memory|kafka
type QueueConfig struct {
	Driver      string        `mapstructure:"driver"`
	Workers     int           `mapstructure:"workers"`
	Buffer      int           `mapstructure:"buffer"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// ScheduleConfig 定时任务cron表达式
type ScheduleConfig struct {
	VoiceCacheEvict string `mapstructure:"voice_cache_evict"`
	DailyStatsReset string `mapstructure:"daily_stats_reset"`
}

// RateLimitConfig 任务查询接口限流
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// legacyEnv 兼容部署脚本里已有的环境变量名
var legacyEnv = map[string]string{
	"server.http.port":    "PORT",
	"server.http.host":    "HOST",
	"app.env":             "NODE_ENV",
	"storage.mongodb.uri": "MONGO_URI",
	"wechat.appid":        "WECHAT_APPID",
	"speech.api_key":      "BAIDU_AI_API_KEY",
	"speech.secret_key":   "BAIDU_AI_SECRET_KEY",
	"log.level":           "LOG_LEVEL",

	"storage.search.addresses": "ELASTICSEARCH_URL",
	"storage.search.username":  "ELASTICSEARCH_USERNAME",
	"storage.search.password":  "ELASTICSEARCH_PASSWORD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "wechat-relay")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.env", "production")

	v.SetDefault("server.http.host", "0.0.0.0")
	v.SetDefault("server.http.port", 3000)
	v.SetDefault("server.http.read_timeout", "30s")
	v.SetDefault("server.http.write_timeout", "30s")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.pebble_path", "./data/pebble")
	v.SetDefault("storage.mongodb.uri", "")
	v.SetDefault("storage.mongodb.db_name", "wechat_relay")
	v.SetDefault("storage.mongodb.collection", "wechat_messages")
	v.SetDefault("storage.search.driver", "none")
	v.SetDefault("storage.search.addresses", []string{"http://localhost:9200"})
	v.SetDefault("storage.search.index", "wechat_messages")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "wechat-relay")
	v.SetDefault("kafka.topic", "wechat-inbound")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "wechat.relay.fanout")

	v.SetDefault("wechat.appid", "")
	v.SetDefault("wechat.secret", "")
	v.SetDefault("wechat.token", "")
	v.SetDefault("wechat.encoding_aes_key", "")
	v.SetDefault("wechat.api_url", "https://api.weixin.qq.com")

	v.SetDefault("speech.provider", "none")
	v.SetDefault("speech.api_key", "")
	v.SetDefault("speech.secret_key", "")
	v.SetDefault("speech.asr_url", "https://vop.baidu.com/server_api")
	v.SetDefault("speech.token_url", "https://aip.baidubce.com/oauth/2.0/token")
	v.SetDefault("speech.cuid", "wechat-relay")
	v.SetDefault("speech.timeout", "10s")
	v.SetDefault("speech.retries", 2)

	v.SetDefault("voice.cache", "memory")
	v.SetDefault("voice.cache_ttl", "24h")
	v.SetDefault("voice.cache_size", 10000)

	v.SetDefault("relay.path", "/ws")
	v.SetDefault("relay.delivery", "broadcast")
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.pong_timeout", "60s")
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.bridge", "none")
	v.SetDefault("relay.channel", "wechat_relay_fanout")

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.buffer", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff", "500ms")

	v.SetDefault("schedule.voice_cache_evict", "0 * * * *")
	v.SetDefault("schedule.daily_stats_reset", "0 0 * * *")

	v.SetDefault("ratelimit.rps", 50)
	v.SetDefault("ratelimit.burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// Load 读取配置：.env -> 默认值 -> 配置文件(可选) -> 环境变量
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验枚举项与数值范围
func (c *Config) Validate() error {
	if !oneOf(c.Storage.Driver, "file", "pebble", "mongo") {
		return fmt.Errorf("storage.driver %q not supported", c.Storage.Driver)
	}
	if c.Storage.Driver == "mongo" && c.Storage.MongoDB.URI == "" {
		return errors.New("storage.mongodb.uri is required for mongo driver")
	}
	if !oneOf(c.Storage.Search.Driver, "none", "elasticsearch") {
		return fmt.Errorf("storage.search.driver %q not supported", c.Storage.Search.Driver)
	}
	if c.Storage.Search.Driver == "elasticsearch" && (len(c.Storage.Search.Addresses) == 0 || c.Storage.Search.Index == "") {
		return errors.New("storage.search.addresses and storage.search.index are required for elasticsearch")
	}
	if !oneOf(c.Queue.Driver, "memory", "kafka") {
		return fmt.Errorf("queue.driver %q not supported", c.Queue.Driver)
	}
	if c.Queue.Workers <= 0 || c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.workers and queue.max_attempts must be positive")
	}
	if !oneOf(c.Relay.Bridge, "none", "redis", "nats") {
		return fmt.Errorf("relay.bridge %q not supported", c.Relay.Bridge)
	}
	if !oneOf(c.Relay.Delivery, "broadcast", "unicast") {
		return fmt.Errorf("relay.delivery %q not supported", c.Relay.Delivery)
	}
	if c.Relay.Bridge == "redis" && !c.Redis.Enabled() {
		return errors.New("relay.bridge=redis requires redis.addr")
	}
	if !oneOf(c.Voice.Cache, "memory", "redis") {
		return fmt.Errorf("voice.cache %q not supported", c.Voice.Cache)
	}
	if c.Voice.Cache == "redis" && !c.Redis.Enabled() {
		return errors.New("voice.cache=redis requires redis.addr")
	}
	if !oneOf(c.Speech.Provider, "none", "baidu") {
		return fmt.Errorf("speech.provider %q not supported", c.Speech.Provider)
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return errors.New("relay.pong_timeout must exceed relay.ping_interval")
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
