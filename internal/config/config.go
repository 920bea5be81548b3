package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 描述了 MetaCortex 在启动阶段需要加载的核心配置。
type Config struct {
	Server         ServerConfig       `json:"server" yaml:"server" toml:"server"`
	Logging        LoggingConfig      `json:"logging" yaml:"logging" toml:"logging"`
	LLM            LLMConfig          `json:"llm" yaml:"llm" toml:"llm"`
	Agent          AgentConfig        `json:"agent" yaml:"agent" toml:"agent"`
	ToolServers    []ToolServerConfig `json:"tool_servers" yaml:"tool_servers" toml:"tool_servers"`
	ToolServerFile string             `json:"tool_server_file" yaml:"tool_server_file" toml:"tool_server_file"`
	Storage        StorageConfig      `json:"storage" yaml:"storage" toml:"storage"`
	TaskQueue      TaskQueueConfig    `json:"task_queue" yaml:"task_queue" toml:"task_queue"`
	Alerting       AlertingConfig     `json:"alerting" yaml:"alerting" toml:"alerting"`
	Metrics        MetricsConfig      `json:"metrics" yaml:"metrics" toml:"metrics"`
	Runtime        RuntimeConfig      `json:"runtime" yaml:"runtime" toml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string   `json:"address" yaml:"address" toml:"address"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	APIKeys                []string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`
	APIKeysEnv             string   `json:"api_keys_env" yaml:"api_keys_env" toml:"api_keys_env"`
}

// ResolveAPIKeys 合并显式配置的 key 与环境变量中逗号分隔的 key。
func (s ServerConfig) ResolveAPIKeys() []string {
	var keys []string
	for _, key := range s.APIKeys {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if s.APIKeysEnv == "" {
		return keys
	}
	for _, key := range strings.Split(os.Getenv(s.APIKeysEnv), ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level" toml:"level"`
	Format      string      `json:"format" yaml:"format" toml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths" toml:"output_paths"`
	AddSource   bool        `json:"add_source" yaml:"add_source" toml:"add_source"`
	Audit       AuditConfig `json:"audit" yaml:"audit" toml:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path       string `json:"path" yaml:"path" toml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider" yaml:"provider" toml:"provider"`
	OpenAI   OpenAIConfig       `json:"openai" yaml:"openai" toml:"openai"`
	Script   ScriptBridgeConfig `json:"script_bridge" yaml:"script_bridge" toml:"script_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口（默认 OpenRouter）。
type OpenAIConfig struct {
	APIKey         string            `json:"api_key" yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string            `json:"api_key_env" yaml:"api_key_env" toml:"api_key_env"`
	BaseURL        string            `json:"base_url" yaml:"base_url" toml:"base_url"`
	Model          string            `json:"model" yaml:"model" toml:"model"`
	Temperature    *float64          `json:"temperature" yaml:"temperature" toml:"temperature"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	Headers        map[string]string `json:"headers" yaml:"headers" toml:"headers"`
}

// Timeout 返回 HTTP 调用超时。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先返回显式配置的密钥，其次读取环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(o.APIKey); key != "" {
		return key
	}
	if o.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(o.APIKeyEnv))
}

// ScriptBridgeConfig 描述通过外部脚本完成推理时所需的信息。
type ScriptBridgeConfig struct {
	Executable string   `json:"executable" yaml:"executable" toml:"executable"`
	Args       []string `json:"args" yaml:"args" toml:"args"`
	ScriptPath string   `json:"script_path" yaml:"script_path" toml:"script_path"`
	WorkingDir string   `json:"working_dir" yaml:"working_dir" toml:"working_dir"`
}

// AgentConfig 控制 ReAct 循环。
type AgentConfig struct {
	Name               string `json:"name" yaml:"name" toml:"name"`
	MaxTurns           int    `json:"max_turns" yaml:"max_turns" toml:"max_turns"`
	InitRetries        int    `json:"init_retries" yaml:"init_retries" toml:"init_retries"`
	LLMTimeoutSeconds  int    `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds" toml:"llm_timeout_seconds"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds" toml:"tool_timeout_seconds"`
	SystemPrompt       string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	PromptFile         string `json:"prompt_file" yaml:"prompt_file" toml:"prompt_file"`
	ProfilesFile       string `json:"profiles_file" yaml:"profiles_file" toml:"profiles_file"`
}

// LLMTimeout 返回单次模型调用的超时。
func (a AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(a.LLMTimeoutSeconds) * time.Second
}

// ToolTimeout 返回单次工具调用的默认超时。
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// ToolServerConfig 描述一个 MCP 工具服务器。
type ToolServerConfig struct {
	Name           string            `json:"name" yaml:"name" toml:"name"`
	Transport      string            `json:"transport" yaml:"transport" toml:"transport"`
	Command        string            `json:"command" yaml:"command" toml:"command"`
	Args           []string          `json:"args" yaml:"args" toml:"args"`
	Env            map[string]string `json:"env" yaml:"env" toml:"env"`
	URL            string            `json:"url" yaml:"url" toml:"url"`
	Headers        map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	Multiplex      bool              `json:"multiplex" yaml:"multiplex" toml:"multiplex"`
	Disabled       bool              `json:"disabled" yaml:"disabled" toml:"disabled"`
}

// Timeout 返回该服务器的调用超时。
func (t ToolServerConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// StorageConfig 统一描述任务存储后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store" toml:"task_store"`
}

// TaskStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type TaskStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver" toml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds" toml:"conn_max_idle_time_seconds"`
}

// TaskQueueConfig 描述任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver" toml:"driver"`
	Workers  int            `json:"workers" yaml:"workers" toml:"workers"`
	Buffer   int            `json:"buffer" yaml:"buffer" toml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
	NATS     NATSConfig     `json:"nats" yaml:"nats" toml:"nats"`
}

// RedisConfig 对应 Redis list 队列。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address" toml:"address"`
	Password         string `json:"password" yaml:"password" toml:"password"`
	DB               int    `json:"db" yaml:"db" toml:"db"`
	Queue            string `json:"queue" yaml:"queue" toml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds" toml:"block_wait_seconds"`
}

// RabbitMQConfig 对应 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url" toml:"url"`
	Queue      string `json:"queue" yaml:"queue" toml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable" toml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete" toml:"auto_delete"`
}

// NATSConfig 对应 NATS 队列组订阅。
type NATSConfig struct {
	URL        string `json:"url" yaml:"url" toml:"url"`
	Subject    string `json:"subject" yaml:"subject" toml:"subject"`
	QueueGroup string `json:"queue_group" yaml:"queue_group" toml:"queue_group"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	Log            bool              `json:"log" yaml:"log" toml:"log"`
	WebhookURL     string            `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers" yaml:"webhook_headers" toml:"webhook_headers"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address string `json:"address" yaml:"address" toml:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// JournalDir 返回思考过程日志目录。
func (r RuntimeConfig) JournalDir() string {
	return filepath.Join(r.DataDir, "thought_processes")
}

// Load 解析指定路径的配置文件，按扩展名选择 JSON、YAML 或 TOML。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	baseDir := filepath.Dir(path)
	if err := LoadDotEnv(baseDir); err != nil {
		return nil, err
	}

	var cfg Config
	if err := decode(path, content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)

	if cfg.ToolServerFile != "" {
		servers, err := LoadToolServerFile(cfg.ToolServerFile)
		if err != nil {
			return nil, err
		}
		cfg.ToolServers = append(cfg.ToolServers, servers...)
		cfg.applyToolServerDefaults()
	}
	if cfg.Agent.ProfilesFile != "" {
		if err := cfg.applyAgentProfile(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未加载任何文件时的默认配置。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	case ".toml":
		_, err := toml.Decode(string(content), cfg)
		return err
	case ".json", "":
		return json.Unmarshal(content, cfg)
	default:
		return fmt.Errorf("不支持的配置格式: %s", filepath.Ext(path))
	}
}

// LoadDotEnv 加载工作目录与配置目录下的 .env 文件，不覆盖已有环境变量。
func LoadDotEnv(dirs ...string) error {
	candidates := []string{".env"}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	var files []string
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if _, err := os.Stat(abs); err == nil {
			files = append(files, abs)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "anthropic/claude-3.7-sonnet"
	}
	if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENROUTER_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 120
	}
	if c.LLM.Script.Executable == "" {
		c.LLM.Script.Executable = "python3"
	}
	if c.LLM.Script.WorkingDir == "" {
		c.LLM.Script.WorkingDir = baseDir
	} else {
		c.LLM.Script.WorkingDir = resolvePath(baseDir, c.LLM.Script.WorkingDir)
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "metacortex"
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 25
	}
	if c.Agent.InitRetries < 0 {
		c.Agent.InitRetries = 0
	} else if c.Agent.InitRetries == 0 {
		c.Agent.InitRetries = 2
	}
	if c.Agent.ToolTimeoutSeconds <= 0 {
		c.Agent.ToolTimeoutSeconds = 60
	}
	if c.Agent.PromptFile != "" {
		c.Agent.PromptFile = resolvePath(baseDir, c.Agent.PromptFile)
	}
	if c.Agent.ProfilesFile != "" {
		c.Agent.ProfilesFile = resolvePath(baseDir, c.Agent.ProfilesFile)
	}
	if c.ToolServerFile != "" {
		c.ToolServerFile = resolvePath(baseDir, c.ToolServerFile)
	}
	c.applyToolServerDefaults()

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "sqlite" && c.Storage.TaskStore.DSN != "" && !strings.HasPrefix(c.Storage.TaskStore.DSN, "file:") {
		c.Storage.TaskStore.DSN = resolvePath(baseDir, c.Storage.TaskStore.DSN)
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.TaskStore.Driver == "sqlite" && c.Storage.TaskStore.DSN == "" {
		c.Storage.TaskStore.DSN = filepath.Join(c.Runtime.DataDir, "tasks.db")
	}
}

func (c *Config) applyToolServerDefaults() {
	for i := range c.ToolServers {
		server := &c.ToolServers[i]
		if server.Transport == "" {
			if server.URL != "" {
				server.Transport = "http"
			} else {
				server.Transport = "stdio"
			}
		}
		server.Transport = strings.ToLower(server.Transport)
		if server.TimeoutSeconds <= 0 {
			server.TimeoutSeconds = c.Agent.ToolTimeoutSeconds
		}
	}
}

// Validate 检查配置中互相依赖的字段。
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.ToolServers))
	for _, server := range c.ToolServers {
		name := strings.TrimSpace(server.Name)
		if name == "" {
			errs = append(errs, errors.New("工具服务器缺少 name"))
			continue
		}
		if strings.ContainsAny(name, ".|") {
			errs = append(errs, fmt.Errorf("工具服务器名称 %q 不能包含 '.' 或 '|'", name))
		}
		if _, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("工具服务器 %q 重复配置", name))
		}
		seen[name] = struct{}{}
		switch server.Transport {
		case "stdio":
			if server.Command == "" {
				errs = append(errs, fmt.Errorf("工具服务器 %q 缺少 command", name))
			}
		case "sse", "http":
			if server.URL == "" {
				errs = append(errs, fmt.Errorf("工具服务器 %q 缺少 url", name))
			}
		default:
			errs = append(errs, fmt.Errorf("工具服务器 %q 使用了未知传输 %q", name, server.Transport))
		}
	}
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.TaskStore.DSN == "" {
			errs = append(errs, errors.New("mysql 任务存储需要 dsn"))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver))
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq", "nats":
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver))
	}
	switch c.LLM.Provider {
	case "openai", "openrouter", "script_bridge":
	default:
		errs = append(errs, fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider))
	}
	return errors.Join(errs...)
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
