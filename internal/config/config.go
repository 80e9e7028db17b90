package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义本地 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认回环地址 "127.0.0.1"
	Port int    // 监听端口，默认 8642
	// AgentToken 本地接口与 WebSocket 的共享令牌，留空表示不认证
	AgentToken string
}

// APIConfig 定义上游掩码服务的访问配置
type APIConfig struct {
	BaseURL       string        // 上游服务地址，必填
	Token         string        // API 令牌，必填
	CSRFToken     string        // 写操作附带的 CSRF 令牌
	RatePerSecond float64       // 客户端侧限速，<=0 表示不限速
	Timeout       time.Duration // 单次请求超时，默认 30 秒
}

// MaskConfig 定义掩码地址渲染配置
type MaskConfig struct {
	RelayDomain   string // 随机掩码的域名
	MozmailDomain string // 自定义掩码的基础域名
}

// PhoneConfig 定义手机号验证配置
type PhoneConfig struct {
	MaxMinutesToVerify int // 验证码有效窗口（分钟），默认 5
}

// CacheConfig 定义资源缓存配置
type CacheConfig struct {
	TTL           time.Duration // 条目保鲜期，默认 1 分钟
	RedisEnabled  bool          // 是否启用 Redis 快照镜像
	RedisAddress  string        // Redis 服务地址，格式 "host:port"
	RedisPassword string
	RedisDB       int
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// Config 是代理配置的根结构体，包含所有子系统的配置
type Config struct {
	Server ServerConfig // 本地 HTTP 服务器配置
	API    APIConfig    // 上游服务配置
	Mask   MaskConfig   // 掩码渲染配置
	Phone  PhoneConfig  // 手机号验证配置
	Cache  CacheConfig  // 资源缓存配置
	CORS   CORSConfig   // 跨域配置
	Log    LogConfig    // 日志配置
}

// Load 从环境变量和 .env 文件加载配置
//
// 配置加载优先级（从高到低）：
//   1. 系统环境变量（最高优先级）
//   2. .env 文件（如果存在）
//   3. 默认值
//
// 环境变量前缀: MASKRELAY_
// 例如: MASKRELAY_API_BASE_URL, MASKRELAY_API_TOKEN
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("maskrelay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8642)
	viper.SetDefault("server.agent_token", "")
	viper.SetDefault("api.base_url", "")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.csrf_token", "")
	viper.SetDefault("api.rate_per_second", 10)
	viper.SetDefault("api.timeout", "30s")
	viper.SetDefault("mask.relay_domain", "relay.example.com")
	viper.SetDefault("mask.mozmail_domain", "mozmail.example.com")
	viper.SetDefault("phone.max_minutes_to_verify", 5)
	viper.SetDefault("cache.ttl", "1m")
	viper.SetDefault("cache.redis_enabled", false)
	viper.SetDefault("cache.redis_address", "localhost:6379")
	viper.SetDefault("cache.redis_password", "")
	viper.SetDefault("cache.redis_db", 0)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")

	baseURL := viper.GetString("api.base_url")
	if baseURL == "" {
		return nil, fmt.Errorf("api.base_url is required: set MASKRELAY_API_BASE_URL")
	}
	token := viper.GetString("api.token")
	if token == "" {
		return nil, fmt.Errorf("api.token is required: set MASKRELAY_API_TOKEN")
	}

	timeout, err := time.ParseDuration(viper.GetString("api.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid api.timeout: %w", err)
	}

	cacheTTL, err := time.ParseDuration(viper.GetString("cache.ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid cache.ttl: %w", err)
	}

	maxMinutes := viper.GetInt("phone.max_minutes_to_verify")
	if maxMinutes <= 0 {
		maxMinutes = 5
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:       viper.GetString("server.host"),
			Port:       viper.GetInt("server.port"),
			AgentToken: viper.GetString("server.agent_token"),
		},
		API: APIConfig{
			BaseURL:       strings.TrimRight(baseURL, "/"),
			Token:         token,
			CSRFToken:     viper.GetString("api.csrf_token"),
			RatePerSecond: viper.GetFloat64("api.rate_per_second"),
			Timeout:       timeout,
		},
		Mask: MaskConfig{
			RelayDomain:   viper.GetString("mask.relay_domain"),
			MozmailDomain: viper.GetString("mask.mozmail_domain"),
		},
		Phone: PhoneConfig{
			MaxMinutesToVerify: maxMinutes,
		},
		Cache: CacheConfig{
			TTL:           cacheTTL,
			RedisEnabled:  viper.GetBool("cache.redis_enabled"),
			RedisAddress:  viper.GetString("cache.redis_address"),
			RedisPassword: viper.GetString("cache.redis_password"),
			RedisDB:       viper.GetInt("cache.redis_db"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
	}

	return cfg, nil
}

// VerificationWindow 验证码有效窗口时长。
func (c *Config) VerificationWindow() time.Duration {
	return time.Duration(c.Phone.MaxMinutesToVerify) * time.Minute
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 如果文件不存在，静默失败（.env 是可选的）。
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
