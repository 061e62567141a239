package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ARC-Router/internal/auth"
	"ARC-Router/internal/dispatch"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/merge"
	"ARC-Router/pkg/logger"
)

// EnvPath 是覆盖配置文件路径的环境变量。
const EnvPath = "ARC_CONFIG"

// DefaultPath 是未设置 ARC_CONFIG 时使用的配置文件。
var DefaultPath = filepath.Join("configs", "arc.json")

// Config 描述了 arcd 启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig    `json:"server"`
	Logging  LoggingConfig   `json:"logging"`
	Engine   EngineConfig    `json:"engine"`
	Routing  RoutingConfig   `json:"routing"`
	Adapters []AdapterConfig `json:"adapters"`
	Session  SessionConfig   `json:"session"`
	Queue    QueueConfig     `json:"queue"`
	Alerting AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address"`
	// APIKeys 为空时 API 不做认证。
	APIKeys []auth.Key `json:"api_keys"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// EngineConfig 控制调度引擎的重试、备选与合并。
type EngineConfig struct {
	MaxRetries      *int        `json:"max_retries"`
	RetryDelayMS    *int        `json:"retry_delay_ms"`
	FallbackEnabled *bool       `json:"fallback_enabled"`
	TimeoutMS       int         `json:"timeout_ms"`
	CallTimeoutMS   int         `json:"call_timeout_ms"`
	Merge           MergeConfig `json:"merge"`
}

// MergeConfig 是集成模式的默认合并配置。
type MergeConfig struct {
	Strategy             string  `json:"strategy"`
	ConfidenceFloor      float64 `json:"confidence_floor"`
	MinSources           int     `json:"min_sources"`
	DetectContradictions *bool   `json:"detect_contradictions"`
}

// RoutingConfig 指向 YAML 路由规则文件。
type RoutingConfig struct {
	RulesPath string `json:"rules_path"`
	// Watch 为 true 时规则文件修改后自动重载。
	Watch bool `json:"watch"`
	// DefaultAdapter 在规则文件未提供默认规则时作为兜底主适配器。
	DefaultAdapter string `json:"default_adapter"`
}

// AdapterConfig 描述一个后端适配器。
type AdapterConfig struct {
	Name string `json:"name"`
	// Type 取值 openai、anthropic、gemini、python_bridge。
	Type      string   `json:"type"`
	Model     string   `json:"model"`
	APIKey    string   `json:"api_key"`
	APIKeyEnv string   `json:"api_key_env"`
	BaseURL   string   `json:"base_url"`
	Kinds     []string `json:"kinds"`
	TimeoutMS int      `json:"timeout_ms"`
	MaxTokens int64    `json:"max_tokens"`

	UseBedrock bool   `json:"use_bedrock"`
	AWSRegion  string `json:"aws_region"`
	AWSProfile string `json:"aws_profile"`

	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// Timeout 返回单次请求超时。
func (a AdapterConfig) Timeout() time.Duration {
	if a.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// SessionConfig 选择会话历史存储。
type SessionConfig struct {
	Driver     string      `json:"driver"`
	DSN        string      `json:"dsn"`
	Redis      RedisConfig `json:"redis"`
	KeyPrefix  string      `json:"key_prefix"`
	MaxEntries int         `json:"max_entries"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Queue 仅用于作业队列。
	Queue string `json:"queue"`
	// BlockWaitSeconds 是 BRPOP 的阻塞时间。
	BlockWaitSeconds int `json:"block_wait_seconds"`
}

// QueueConfig 控制异步作业队列。
type QueueConfig struct {
	Driver      string         `json:"driver"`
	Buffer      int            `json:"buffer"`
	Workers     int            `json:"workers"`
	MaxAttempts int            `json:"max_attempts"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Log bool `json:"log"`
	// Webhook 的 URL 为空时不启用 webhook 渠道。
	Webhook WebhookConfig `json:"webhook"`
}

// WebhookConfig 描述一个 webhook 渠道。
type WebhookConfig struct {
	URL     string            `json:"url"`
	Format  string            `json:"format"`
	Headers map[string]string `json:"headers"`
}

// Path 返回配置文件路径：优先 ARC_CONFIG，否则 configs/arc.json。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 JSON 配置，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, filepath.Join("data", "audit.log"))
	}

	if c.Engine.MaxRetries == nil {
		v := 2
		c.Engine.MaxRetries = &v
	}
	if c.Engine.RetryDelayMS == nil {
		v := 500
		c.Engine.RetryDelayMS = &v
	}
	if c.Engine.FallbackEnabled == nil {
		v := true
		c.Engine.FallbackEnabled = &v
	}
	if c.Engine.Merge.Strategy == "" {
		c.Engine.Merge.Strategy = merge.Consensus.String()
	}
	if c.Engine.Merge.DetectContradictions == nil {
		v := true
		c.Engine.Merge.DetectContradictions = &v
	}

	if c.Routing.RulesPath != "" {
		c.Routing.RulesPath = resolve(baseDir, c.Routing.RulesPath, "")
	}

	for i := range c.Adapters {
		a := &c.Adapters[i]
		a.Type = strings.ToLower(strings.TrimSpace(a.Type))
		if a.APIKey == "" && a.APIKeyEnv != "" {
			a.APIKey = strings.TrimSpace(os.Getenv(a.APIKeyEnv))
		}
		if a.Type == "python_bridge" {
			if a.PythonExecutable == "" {
				a.PythonExecutable = "python3"
			}
			a.WorkingDir = resolve(baseDir, a.WorkingDir, ".")
		}
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.Driver == "sqlite" && c.Session.DSN != "" && c.Session.DSN != ":memory:" &&
		!strings.HasPrefix(c.Session.DSN, "file:") {
		c.Session.DSN = resolve(baseDir, c.Session.DSN, "")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
}

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查配置中无法通过默认值修正的错误。
func (c *Config) Validate() error {
	if _, err := merge.ParseStrategy(c.Engine.Merge.Strategy); err != nil {
		return err
	}
	if *c.Engine.MaxRetries < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "engine.max_retries 不能为负数")
	}
	if *c.Engine.RetryDelayMS < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "engine.retry_delay_ms 不能为负数")
	}
	seen := make(map[string]struct{}, len(c.Adapters))
	for i, a := range c.Adapters {
		if strings.TrimSpace(a.Name) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("adapters[%d].name 不能为空", i))
		}
		if _, dup := seen[a.Name]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("适配器名称重复: %s", a.Name))
		}
		seen[a.Name] = struct{}{}
		switch a.Type {
		case "openai", "anthropic", "gemini", "python_bridge":
		default:
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("适配器 %s 的类型未知: %q", a.Name, a.Type))
		}
	}
	return nil
}

// Dispatch 转换为调度引擎配置。
func (e EngineConfig) Dispatch() (dispatch.Config, error) {
	strategy, err := merge.ParseStrategy(e.Merge.Strategy)
	if err != nil {
		return dispatch.Config{}, err
	}
	cfg := dispatch.DefaultConfig()
	if e.MaxRetries != nil {
		cfg.MaxRetries = *e.MaxRetries
	}
	if e.RetryDelayMS != nil {
		cfg.RetryDelay = time.Duration(*e.RetryDelayMS) * time.Millisecond
	}
	if e.FallbackEnabled != nil {
		cfg.FallbackEnabled = *e.FallbackEnabled
	}
	cfg.Timeout = time.Duration(e.TimeoutMS) * time.Millisecond
	cfg.CallTimeout = time.Duration(e.CallTimeoutMS) * time.Millisecond
	cfg.Merge = merge.Config{
		Strategy:             strategy,
		ConfidenceFloor:      e.Merge.ConfidenceFloor,
		MinSources:           e.Merge.MinSources,
		DetectContradictions: e.Merge.DetectContradictions == nil || *e.Merge.DetectContradictions,
	}
	return cfg, nil
}

// Logger 转换为 pkg/logger 配置。
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: l.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    l.Audit.Enabled,
			Path:       l.Audit.Path,
			MaxSizeMB:  l.Audit.MaxSizeMB,
			MaxBackups: l.Audit.MaxBackups,
			MaxAgeDays: l.Audit.MaxAgeDays,
		},
	}
}
