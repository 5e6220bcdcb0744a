package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig                 `mapstructure:"app"`
	Gateways     map[string]GatewayConfig  `mapstructure:"gateways"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Memory       MemoryConfig              `mapstructure:"memory"`
	Knowledge    KnowledgeConfig           `mapstructure:"knowledge"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	Agents       []AgentConfig             `mapstructure:"agents"`
	Policy       PolicyConfig              `mapstructure:"policy"`
	Logging      LoggingConfig             `mapstructure:"logging"`
}

type AppConfig struct {
	Name       string `mapstructure:"name"`
	Workspace  string `mapstructure:"workspace"`
	PromptsDir string `mapstructure:"prompts_dir"`
}

type GatewayConfig struct {
	Token   string `mapstructure:"token"`
	Enabled bool   `mapstructure:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	Enabled bool   `mapstructure:"enabled"`
}

// MemoryConfig configures the session store.
type MemoryConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
	// RecentTurns is how many prior turns are loaded as context.
	RecentTurns int `mapstructure:"recent_turns"`
	// RejectConcurrent rejects a second in-flight turn for the same session
	// instead of queueing it.
	RejectConcurrent bool `mapstructure:"reject_concurrent"`
	CacheSize        int  `mapstructure:"cache_size"`
}

// KnowledgeConfig configures the knowledge retriever.
type KnowledgeConfig struct {
	Backend      string        `mapstructure:"backend"`
	IndexPath    string        `mapstructure:"index_path"`
	TopK         int           `mapstructure:"top_k"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	CacheMaxCost int64         `mapstructure:"cache_max_cost"`

	// Qdrant settings, used when Backend is "qdrant".
	VectorURL      string `mapstructure:"vector_url"`
	VectorAPIKey   string `mapstructure:"vector_api_key"`
	Collection     string `mapstructure:"collection"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// OrchestratorConfig holds the executor and model-call limits.
type OrchestratorConfig struct {
	MaxFanOut              int           `mapstructure:"max_fan_out"`
	GraceTimeout           time.Duration `mapstructure:"grace_timeout"`
	SafetyMargin           time.Duration `mapstructure:"safety_margin"`
	RetryBackoff           time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	RetrieveTimeout        time.Duration `mapstructure:"retrieve_timeout"`
	RetrieveMaxRetries     int           `mapstructure:"retrieve_max_retries"`
	ClassifierMaxTokens    int           `mapstructure:"classifier_max_tokens"`
	SynthesizerMaxTokens   int           `mapstructure:"synthesizer_max_tokens"`
	SynthesizerTemperature float64       `mapstructure:"synthesizer_temperature"`
}

// AgentConfig declares one specialist agent for the registry.
type AgentConfig struct {
	ID          string   `mapstructure:"id"`
	Description string   `mapstructure:"description"`
	Kind        string   `mapstructure:"kind"` // remote, research
	Endpoint    string   `mapstructure:"endpoint"`
	Token       string   `mapstructure:"token"`
	Aliases     []string `mapstructure:"aliases"`

	DefaultTimeout    time.Duration  `mapstructure:"default_timeout"`
	DefaultMaxRetries int            `mapstructure:"default_max_retries"`
	ExpectedLatency   time.Duration  `mapstructure:"expected_latency"`
	Actions           []ActionConfig `mapstructure:"actions"`
}

type ActionConfig struct {
	Name           string        `mapstructure:"name"`
	Description    string        `mapstructure:"description"`
	RequiredParams []string      `mapstructure:"required_params"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// PolicyConfig lists what the governance engine refuses to dispatch.
type PolicyConfig struct {
	DeniedAgents   []string `mapstructure:"denied_agents"`
	DeniedActions  []string `mapstructure:"denied_actions"`
	DeniedPatterns []string `mapstructure:"denied_patterns"`
}

type LoggingConfig struct {
	LLMLogPath string `mapstructure:"llm_log_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chatbot")
	v.SetDefault("app.workspace", ".")
	v.SetDefault("app.prompts_dir", "./prompts")

	v.SetDefault("memory.type", "sqlite")
	v.SetDefault("memory.path", "chatbot.db")
	v.SetDefault("memory.recent_turns", 5)
	v.SetDefault("memory.reject_concurrent", false)
	v.SetDefault("memory.cache_size", 256)

	v.SetDefault("knowledge.backend", "bleve")
	v.SetDefault("knowledge.index_path", "knowledge.bleve")
	v.SetDefault("knowledge.top_k", 5)
	v.SetDefault("knowledge.cache_ttl", "2m")
	v.SetDefault("knowledge.cache_max_cost", 1<<20)
	v.SetDefault("knowledge.collection", "knowledge")
	v.SetDefault("knowledge.embedding_model", "text-embedding-3-small")

	v.SetDefault("orchestrator.max_fan_out", 4)
	v.SetDefault("orchestrator.grace_timeout", "2s")
	v.SetDefault("orchestrator.safety_margin", "5s")
	v.SetDefault("orchestrator.retry_backoff", "500ms")
	v.SetDefault("orchestrator.max_backoff", "5s")
	v.SetDefault("orchestrator.retrieve_timeout", "10s")
	v.SetDefault("orchestrator.retrieve_max_retries", 1)
	v.SetDefault("orchestrator.classifier_max_tokens", 512)
	v.SetDefault("orchestrator.synthesizer_max_tokens", 1024)
	v.SetDefault("orchestrator.synthesizer_temperature", 0.2)

	v.SetDefault("logging.llm_log_path", "logs/llm.jsonl")
	v.SetDefault("logging.max_size_mb", 10)
}

// Load reads the JSON config file at path. Environment variables prefixed
// with CHATBOT_ override file values (CHATBOT_MEMORY_PATH overrides
// memory.path), and ${VAR} references in secrets are expanded.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	v.SetEnvPrefix("CHATBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expandSecrets() {
	for name, g := range c.Gateways {
		g.Token = os.ExpandEnv(g.Token)
		c.Gateways[name] = g
	}
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		c.Providers[name] = p
	}
	c.Knowledge.VectorAPIKey = os.ExpandEnv(c.Knowledge.VectorAPIKey)
	for i := range c.Agents {
		c.Agents[i].Token = os.ExpandEnv(c.Agents[i].Token)
		c.Agents[i].Endpoint = os.ExpandEnv(c.Agents[i].Endpoint)
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Orchestrator.MaxFanOut < 1 {
		errs = append(errs, errors.New("orchestrator.max_fan_out must be at least 1"))
	}
	if c.Orchestrator.SafetyMargin < 0 {
		errs = append(errs, errors.New("orchestrator.safety_margin must not be negative"))
	}
	if c.Knowledge.TopK < 1 {
		errs = append(errs, errors.New("knowledge.top_k must be at least 1"))
	}
	switch c.Knowledge.Backend {
	case "bleve":
	case "qdrant":
		if c.Knowledge.VectorURL == "" {
			errs = append(errs, errors.New("knowledge.vector_url is required for the qdrant backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("knowledge.backend %q is not supported", c.Knowledge.Backend))
	}
	if c.Memory.RecentTurns < 0 {
		errs = append(errs, errors.New("memory.recent_turns must not be negative"))
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", field))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate agent id %q", field, a.ID))
		}
		seen[a.ID] = true

		switch a.Kind {
		case "", "remote":
			if a.Endpoint == "" {
				errs = append(errs, fmt.Errorf("%s (%s): endpoint is required for remote agents", field, a.ID))
			}
			if len(a.Actions) == 0 {
				errs = append(errs, fmt.Errorf("%s (%s): at least one action is required", field, a.ID))
			}
		case "research":
		default:
			errs = append(errs, fmt.Errorf("%s (%s): unknown kind %q", field, a.ID, a.Kind))
		}
		for j, act := range a.Actions {
			if act.Name == "" {
				errs = append(errs, fmt.Errorf("%s.actions[%d]: name is required", field, j))
			}
		}
	}

	return errors.Join(errs...)
}

// GetDefaultProvider returns the first enabled provider by name.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGatewayConfig returns the named gateway config if it is enabled.
func (c *Config) GetGatewayConfig(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled && g.Token != "" {
		return g, true
	}
	return GatewayConfig{}, false
}
