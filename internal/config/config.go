// Package config 載入服務配置
//
// 載入順序（後者覆蓋前者）：
//
//  1. 內建預設值
//  2. YAML 配置檔
//  3. .env 檔案與環境變數（生產環境常用）
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// CreateRPS 每個來源位址的建立速率上限（0 表示不限）
		CreateRPS   float64 `yaml:"create_rps"`
		CreateBurst int     `yaml:"create_burst"`
		BaseURL     string  `yaml:"base_url"`
		// TrustProxy 服務位於反向代理之後時開啟，來源位址取 X-Forwarded-For
		TrustProxy bool `yaml:"trust_proxy"`
	} `yaml:"server"`

	Postgres struct {
		DSN string `yaml:"dsn"`
		// Shards 多分片時每個分片一個 DSN；為空時只用 DSN
		Shards          []string      `yaml:"shards"`
		MaxConns        int32         `yaml:"max_conns"`
		MinConns        int32         `yaml:"min_conns"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
		AutoMigrate     bool          `yaml:"auto_migrate"`
	} `yaml:"postgres"`

	Redis struct {
		// Addr 為空時改用進程內 LRU
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Cache struct {
		TTL         time.Duration `yaml:"ttl"`
		NegativeTTL time.Duration `yaml:"negative_ttl"`
		Timeout     time.Duration `yaml:"timeout"`
		// LocalSize 進程內 LRU 容量（未配置 Redis 時使用）
		LocalSize int `yaml:"local_size"`
	} `yaml:"cache"`

	Store struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"store"`

	Generator struct {
		// Strategy "sequence" 或 "random"
		Strategy    string `yaml:"strategy"`
		Length      int    `yaml:"length"`
		MaxAttempts int    `yaml:"max_attempts"`
		// Dedup 部署時固定，切換會讓既有資料的去重行為不一致
		Dedup          bool  `yaml:"dedup"`
		MachineID      int64 `yaml:"machine_id"`
		AliasMinLength int   `yaml:"alias_min_length"`
		AliasMaxLength int   `yaml:"alias_max_length"`
		MaxURLLength   int   `yaml:"max_url_length"`
		AllowPrivate   bool  `yaml:"allow_private_hosts"`
	} `yaml:"generator"`

	Clicks struct {
		BufferSize    int           `yaml:"buffer_size"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		FlushTimeout  time.Duration `yaml:"flush_timeout"`
		MaxRetries    uint64        `yaml:"max_retries"`
		// EventBuffer 點擊事件發佈佇列容量
		EventBuffer int `yaml:"event_buffer"`
		// Timezone 日期分桶時區（IANA 名稱）
		Timezone string `yaml:"timezone"`
	} `yaml:"clicks"`

	Expiration struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		BatchSize     int           `yaml:"batch_size"`
	} `yaml:"expiration"`

	NATS struct {
		Enabled bool          `yaml:"enabled"`
		URL     string        `yaml:"url"`
		Stream  string        `yaml:"stream"`
		MaxAge  time.Duration `yaml:"max_age"`
		Storage string        `yaml:"storage"`
	} `yaml:"nats"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 內建預設值
func Default() *Config {
	c := &Config{}

	c.Server.Port = 8080
	c.Server.ReadTimeout = 5 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Server.CreateRPS = 10
	c.Server.CreateBurst = 20

	c.Postgres.MaxConns = 20
	c.Postgres.MinConns = 2
	c.Postgres.MaxConnLifetime = 30 * time.Minute
	c.Postgres.AutoMigrate = true

	c.Redis.PoolSize = 20
	c.Redis.MinIdleConns = 5
	c.Redis.ReadTimeout = 100 * time.Millisecond
	c.Redis.WriteTimeout = 100 * time.Millisecond

	c.Cache.TTL = 30 * 24 * time.Hour
	c.Cache.NegativeTTL = time.Minute
	c.Cache.Timeout = 50 * time.Millisecond
	c.Cache.LocalSize = 100000

	c.Store.Timeout = 2 * time.Second

	c.Generator.Strategy = "sequence"
	c.Generator.Length = 6
	c.Generator.MaxAttempts = 5
	c.Generator.AliasMinLength = 4
	c.Generator.AliasMaxLength = 16
	c.Generator.MaxURLLength = 2048

	c.Clicks.BufferSize = 4096
	c.Clicks.EventBuffer = 1024
	c.Clicks.BatchSize = 500
	c.Clicks.FlushInterval = 2 * time.Second
	c.Clicks.FlushTimeout = 10 * time.Second
	c.Clicks.MaxRetries = 3
	c.Clicks.Timezone = "UTC"

	c.Expiration.SweepInterval = 10 * time.Minute
	c.Expiration.BatchSize = 1000

	c.NATS.URL = "nats://127.0.0.1:4222"
	c.NATS.Stream = "SHORTLINK"
	c.NATS.MaxAge = 7 * 24 * time.Hour
	c.NATS.Storage = "file"

	c.Log.Level = "info"
	c.Log.Format = "json"

	return c
}

// Load 依序套用預設值、YAML 檔（path 為空則略過）與環境變數
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		// #nosec G304 - path 來自啟動參數，非使用者輸入
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 環境變數覆蓋
func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("DATABASE_SHARDS"); v != "" {
		c.Postgres.Shards = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("MACHINE_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MACHINE_ID %q: %w", v, err)
		}
		c.Generator.MachineID = id
	}
	return nil
}

// Validate 檢查配置一致性
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.CreateRPS < 0 {
		errs = append(errs, errors.New("server.create_rps must not be negative"))
	}

	switch c.Generator.Strategy {
	case "sequence", "random":
	default:
		errs = append(errs, fmt.Errorf("generator.strategy must be sequence or random, got %q", c.Generator.Strategy))
	}
	if c.Generator.Length < 6 || c.Generator.Length > 7 {
		errs = append(errs, fmt.Errorf("generator.length must be 6 or 7, got %d", c.Generator.Length))
	}
	if c.Generator.MachineID < 0 || c.Generator.MachineID > 1023 {
		errs = append(errs, fmt.Errorf("generator.machine_id must be 0-1023, got %d", c.Generator.MachineID))
	}
	if c.Generator.AliasMinLength <= 0 || c.Generator.AliasMinLength > c.Generator.AliasMaxLength {
		errs = append(errs, fmt.Errorf("generator alias length range [%d, %d] is invalid",
			c.Generator.AliasMinLength, c.Generator.AliasMaxLength))
	}
	if c.Generator.AliasMaxLength > 32 {
		errs = append(errs, errors.New("generator.alias_max_length must not exceed 32"))
	}

	if c.Cache.NegativeTTL > c.Cache.TTL {
		errs = append(errs, errors.New("cache.negative_ttl must not exceed cache.ttl"))
	}
	if c.Cache.Timeout <= 0 || c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("cache.timeout and store.timeout must be positive"))
	}

	if c.Clicks.BatchSize <= 0 || c.Clicks.BufferSize <= 0 || c.Clicks.EventBuffer <= 0 {
		errs = append(errs, errors.New("clicks.batch_size, clicks.buffer_size and clicks.event_buffer must be positive"))
	}
	if _, err := time.LoadLocation(c.Clicks.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("clicks.timezone: %w", err))
	}

	if c.NATS.Storage != "file" && c.NATS.Storage != "memory" {
		errs = append(errs, fmt.Errorf("nats.storage must be file or memory, got %q", c.NATS.Storage))
	}

	return errors.Join(errs...)
}

// ShardDSNs 回傳所有分片的 DSN（單庫部署時只有一個）
func (c *Config) ShardDSNs() []string {
	if len(c.Postgres.Shards) > 0 {
		return c.Postgres.Shards
	}
	if c.Postgres.DSN == "" {
		return nil
	}
	return []string{c.Postgres.DSN}
}

// Location 日期分桶時區
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Clicks.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxCodeLength 可被解析的最長短碼
func (c *Config) MaxCodeLength() int {
	return max(c.Generator.AliasMaxLength, 7)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
