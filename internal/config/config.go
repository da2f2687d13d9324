package config

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// 身份提供方类型。
const (
	ProviderMemory   = "memory"
	ProviderFirebase = "firebase"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Identity IdentityConfig
	AI       AIConfig
	Chat     ChatConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	addr, err := resolveAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.Identity.validate(); err != nil {
		return nil, err
	}

	if cfg.Identity.SessionSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.Identity.secret = secret
		cfg.Identity.EphemeralSecret = true
	} else {
		cfg.Identity.secret = []byte(cfg.Identity.SessionSecret)
	}

	cfg.Chat.ProxyURL = strings.TrimSpace(cfg.Chat.ProxyURL)
	return &cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port         string `env:"PORT" envDefault:"8080"`
	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"false"`
	Addr         string
}

// resolveAddr 解析服务器监听地址。
func resolveAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// IdentityConfig 描述身份提供方配置。
type IdentityConfig struct {
	Provider         string        `env:"IDENTITY_PROVIDER" envDefault:"memory"`
	FirebaseAPIKey   string        `env:"FIREBASE_API_KEY"`
	FirebaseAuthURL  string        `env:"FIREBASE_AUTH_URL"`
	FirebaseTokenURL string        `env:"FIREBASE_TOKEN_URL"`
	SessionSecret    string        `env:"SESSION_SECRET"`
	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"1h"`
	RefreshSkew      time.Duration `env:"SESSION_REFRESH_SKEW" envDefault:"1m"`

	// EphemeralSecret 表示签名密钥是进程内随机生成的，重启后会话全部失效。
	EphemeralSecret bool
	secret          []byte
}

// Secret 返回 memory 提供方使用的签名密钥。
func (c IdentityConfig) Secret() []byte {
	return append([]byte(nil), c.secret...)
}

const firebaseTokenLifetime = time.Hour

func (c *IdentityConfig) validate() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderMemory
	}
	switch c.Provider {
	case ProviderMemory:
	case ProviderFirebase:
		if strings.TrimSpace(c.FirebaseAPIKey) == "" {
			return fmt.Errorf("FIREBASE_API_KEY is required when IDENTITY_PROVIDER=firebase")
		}
	default:
		return fmt.Errorf("invalid IDENTITY_PROVIDER value: %q", c.Provider)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("invalid SESSION_TTL value: %s", c.SessionTTL)
	}
	if c.RefreshSkew < 0 || c.RefreshSkew >= c.SessionTTL {
		return fmt.Errorf("SESSION_REFRESH_SKEW must be within [0, SESSION_TTL)")
	}
	// Firebase 的 id token 固定一小时有效，与 SESSION_TTL 无关。
	if c.Provider == ProviderFirebase && c.RefreshSkew >= firebaseTokenLifetime {
		return fmt.Errorf("SESSION_REFRESH_SKEW must be below %s with IDENTITY_PROVIDER=firebase", firebaseTokenLifetime)
	}
	return nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string   `env:"GROQ_API_KEY"`
	Model        string   `env:"GROQ_MODEL" envDefault:"llama-3.1-8b-instant"`
	BaseURL      string   `env:"GROQ_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	Temperature  *float64 `env:"GROQ_TEMPERATURE"`
	MaxTokens    *int     `env:"GROQ_MAX_TOKENS"`
	SystemPrompt string   `env:"GROQ_SYSTEM_PROMPT" envDefault:"You are a concise, helpful assistant."`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return strings.TrimSpace(c.Model) != "" && strings.TrimSpace(c.APIKey) != ""
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("inference credentials missing: GROQ_API_KEY and GROQ_MODEL are required")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

// ChatConfig 描述受保护页面的聊天转发配置。
type ChatConfig struct {
	// ProxyURL 为空时页面直接调用进程内的模型服务。
	ProxyURL string `env:"CHAT_PROXY_URL"`
}
