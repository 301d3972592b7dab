package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 聚合运行时配置：默认值 < config.yaml < 环境变量。
type AppConfig struct {
	HTTPAddr string

	LogLevel  string
	LogFormat string
	LogOutput string

	// DBDriver 取值 sqlite / postgres
	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// StoreDriver 库存计数器存放位置：redis（Lua CAS）或 sql（gorm 事务 CAS）
	StoreDriver string

	// 预留策略
	ReservationTTL        time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
	SweepLockTTL          time.Duration
	DefaultReorderLevel   int64
	StoreRetryMaxAttempts int

	// 低库存事件日志（Redis Stream）与广播（Pub/Sub）
	LowStockStream       string
	LowStockStreamMaxLen int64
	LowStockChannel      string
	PublisherShards      int
	PublisherQueueSize   int
	PublishMaxAttempts   int

	// 通知分发
	DispatcherName      string
	DispatchBatchSize   int
	DispatchConcurrency int
	DispatchBlock       time.Duration
	SendTimeout         time.Duration
	SendMaxAttempts     int
	PendingLease        time.Duration
	SMTPAddr            string
	SMTPUser            string
	SMTPPassword        string
	EmailFrom           string

	// AdminEmail 测试邮件的收件人，空则关闭测试发送接口
	AdminEmail string

	// Kafka（可选）：低库存事件转发 + 商品事件消费
	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaLowStockTopic string
	KafkaProductTopic  string
	KafkaGroupID       string
	RelayGroup         string
	RelayConsumer      string

	// 预留接口限流
	ReserveRateLimit  int
	ReserveRateWindow time.Duration
}

var defaults = map[string]any{
	"http_addr":                  ":8080",
	"log_level":                  "info",
	"log_format":                 "console",
	"log_output":                 "stdout",
	"db_driver":                  "sqlite",
	"db_dsn":                     "inventory.db",
	"redis_addr":                 "localhost:6379",
	"redis_password":             "",
	"redis_db":                   0,
	"store_driver":               "redis",
	"reservation_ttl":            "15m",
	"reservation_sweep_interval": "30s",
	"reservation_sweep_batch":    100,
	"reservation_sweep_lock_ttl": "25s",
	"default_reorder_threshold":  5,
	"store_retry_max_attempts":   5,
	"low_stock_stream":           "inventory:low-stock:stream",
	"low_stock_stream_maxlen":    0,
	"low_stock_channel":          "inventory:low-stock",
	"publisher_shards":           4,
	"publisher_queue_size":       1024,
	"publish_max_attempts":       8,
	"dispatcher_name":            "notification-dispatcher",
	"dispatch_batch_size":        32,
	"dispatch_concurrency":       8,
	"dispatch_block":             "2s",
	"send_timeout":               "10s",
	"send_max_attempts":          4,
	"pending_lease":              "5m",
	"smtp_addr":                  "localhost:2525",
	"smtp_user":                  "",
	"smtp_password":              "",
	"email_from":                 "inventory@localhost",
	"admin_email":                "",
	"kafka_enabled":              false,
	"kafka_brokers":              "localhost:9092",
	"kafka_low_stock_topic":      "inventory.low-stock",
	"kafka_product_topic":        "product-events",
	"kafka_group_id":             "inventory-product-consumer",
	"relay_group":                "inventory-kafka-relay",
	"relay_consumer":             "inventory-kafka-relay-1",
	"reserve_rate_limit":         1000,
	"reserve_rate_window":        "1s",
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
	}
	v.AutomaticEnv()

	cfg := AppConfig{
		HTTPAddr:              v.GetString("http_addr"),
		LogLevel:              v.GetString("log_level"),
		LogFormat:             v.GetString("log_format"),
		LogOutput:             v.GetString("log_output"),
		DBDriver:              strings.ToLower(v.GetString("db_driver")),
		DBDSN:                 v.GetString("db_dsn"),
		RedisAddr:             v.GetString("redis_addr"),
		RedisPassword:         v.GetString("redis_password"),
		RedisDB:               v.GetInt("redis_db"),
		StoreDriver:           strings.ToLower(v.GetString("store_driver")),
		ReservationTTL:        v.GetDuration("reservation_ttl"),
		SweepInterval:         v.GetDuration("reservation_sweep_interval"),
		SweepBatchSize:        v.GetInt("reservation_sweep_batch"),
		SweepLockTTL:          v.GetDuration("reservation_sweep_lock_ttl"),
		DefaultReorderLevel:   v.GetInt64("default_reorder_threshold"),
		StoreRetryMaxAttempts: v.GetInt("store_retry_max_attempts"),
		LowStockStream:        v.GetString("low_stock_stream"),
		LowStockStreamMaxLen:  v.GetInt64("low_stock_stream_maxlen"),
		LowStockChannel:       v.GetString("low_stock_channel"),
		PublisherShards:       v.GetInt("publisher_shards"),
		PublisherQueueSize:    v.GetInt("publisher_queue_size"),
		PublishMaxAttempts:    v.GetInt("publish_max_attempts"),
		DispatcherName:        v.GetString("dispatcher_name"),
		DispatchBatchSize:     v.GetInt("dispatch_batch_size"),
		DispatchConcurrency:   v.GetInt("dispatch_concurrency"),
		DispatchBlock:         v.GetDuration("dispatch_block"),
		SendTimeout:           v.GetDuration("send_timeout"),
		SendMaxAttempts:       v.GetInt("send_max_attempts"),
		PendingLease:          v.GetDuration("pending_lease"),
		SMTPAddr:              v.GetString("smtp_addr"),
		SMTPUser:              v.GetString("smtp_user"),
		SMTPPassword:          v.GetString("smtp_password"),
		EmailFrom:             v.GetString("email_from"),
		AdminEmail:            v.GetString("admin_email"),
		KafkaEnabled:          v.GetBool("kafka_enabled"),
		KafkaBrokers:          splitCSV(v.GetString("kafka_brokers")),
		KafkaLowStockTopic:    v.GetString("kafka_low_stock_topic"),
		KafkaProductTopic:     v.GetString("kafka_product_topic"),
		KafkaGroupID:          v.GetString("kafka_group_id"),
		RelayGroup:            v.GetString("relay_group"),
		RelayConsumer:         v.GetString("relay_consumer"),
		ReserveRateLimit:      v.GetInt("reserve_rate_limit"),
		ReserveRateWindow:     v.GetDuration("reserve_rate_window"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	switch c.StoreDriver {
	case "redis", "sql":
	default:
		return fmt.Errorf("STORE_DRIVER must be redis or sql, got %q", c.StoreDriver)
	}
	if c.ReservationTTL < 0 {
		return fmt.Errorf("RESERVATION_TTL must be >= 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("RESERVATION_SWEEP_INTERVAL must be > 0")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("RESERVATION_SWEEP_BATCH must be > 0")
	}
	if c.DefaultReorderLevel < 0 {
		return fmt.Errorf("DEFAULT_REORDER_THRESHOLD must be >= 0")
	}
	if c.StoreRetryMaxAttempts <= 0 {
		return fmt.Errorf("STORE_RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.LowStockStream == "" {
		return fmt.Errorf("LOW_STOCK_STREAM must not be empty")
	}
	if c.LowStockChannel == "" {
		return fmt.Errorf("LOW_STOCK_CHANNEL must not be empty")
	}
	if c.PublisherShards <= 0 || c.PublisherQueueSize <= 0 {
		return fmt.Errorf("PUBLISHER_SHARDS and PUBLISHER_QUEUE_SIZE must be > 0")
	}
	if c.PublishMaxAttempts <= 0 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be > 0")
	}
	if c.DispatcherName == "" {
		return fmt.Errorf("DISPATCHER_NAME must not be empty")
	}
	if c.DispatchBatchSize <= 0 || c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE and DISPATCH_CONCURRENCY must be > 0")
	}
	if c.DispatchBlock <= 0 {
		return fmt.Errorf("DISPATCH_BLOCK must be > 0")
	}
	if c.PendingLease <= 0 {
		return fmt.Errorf("PENDING_LEASE must be > 0")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be > 0")
	}
	if c.SendMaxAttempts <= 0 {
		return fmt.Errorf("SEND_MAX_ATTEMPTS must be > 0")
	}
	if c.ReserveRateLimit <= 0 {
		return fmt.Errorf("RESERVE_RATE_LIMIT must be > 0")
	}
	if c.ReserveRateWindow < time.Second {
		return fmt.Errorf("RESERVE_RATE_WINDOW must be >= 1s")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if c.KafkaLowStockTopic == "" || c.KafkaProductTopic == "" {
			return fmt.Errorf("KAFKA_LOW_STOCK_TOPIC and KAFKA_PRODUCT_TOPIC must not be empty")
		}
		if c.KafkaGroupID == "" {
			return fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
		if c.RelayGroup == "" || c.RelayConsumer == "" {
			return fmt.Errorf("RELAY_GROUP and RELAY_CONSUMER must not be empty")
		}
	}
	return nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
