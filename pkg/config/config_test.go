package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsAndFileValues(t *testing.T) {
	path := writeConfig(t, `{
		"app": {"name": "helpdesk"},
		"providers": {
			"openai": {"api_key": "${TEST_OPENAI_KEY}", "model": "gpt-4o-mini", "enabled": true}
		},
		"agents": [{
			"id": "tickets",
			"kind": "remote",
			"endpoint": "http://localhost:9000",
			"default_timeout": "3s",
			"default_max_retries": 2,
			"actions": [{"name": "create_ticket", "required_params": ["title"]}]
		}]
	}`)
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "helpdesk", cfg.App.Name)
	assert.Equal(t, 5, cfg.Memory.RecentTurns)
	assert.Equal(t, 4, cfg.Orchestrator.MaxFanOut)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.GraceTimeout)

	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "openai", name)
	assert.Equal(t, "sk-test", p.APIKey)

	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, 3*time.Second, cfg.Agents[0].DefaultTimeout)
	assert.Equal(t, 2, cfg.Agents[0].DefaultMaxRetries)
	assert.Equal(t, []string{"title"}, cfg.Agents[0].Actions[0].RequiredParams)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"memory": {"path": "file.db"}}`)
	t.Setenv("CHATBOT_MEMORY_PATH", "env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Memory.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := &Config{
		Knowledge: KnowledgeConfig{TopK: 0},
		Agents: []AgentConfig{
			{ID: "a", Kind: "remote"},
			{ID: "a", Kind: "carrier-pigeon", Actions: []ActionConfig{{Name: "x"}}},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "max_fan_out")
	assert.Contains(t, msg, "top_k")
	assert.Contains(t, msg, "endpoint is required")
	assert.Contains(t, msg, "duplicate agent id")
	assert.Contains(t, msg, "unknown kind")
	assert.Contains(t, msg, "knowledge.backend")
}

func TestValidate_QdrantNeedsURL(t *testing.T) {
	path := writeConfig(t, `{"knowledge": {"backend": "qdrant"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector_url")

	path = writeConfig(t, `{"knowledge": {"backend": "qdrant", "vector_url": "http://localhost:6333"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "knowledge", cfg.Knowledge.Collection)
}

func TestValidate_NegativeSafetyMargin(t *testing.T) {
	path := writeConfig(t, `{"orchestrator": {"safety_margin": "-1s"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety_margin")

	path = writeConfig(t, `{"orchestrator": {"safety_margin": "0s"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Orchestrator.SafetyMargin)
}

func TestGetGatewayConfig(t *testing.T) {
	cfg := &Config{Gateways: map[string]GatewayConfig{
		"telegram": {Token: "t", Enabled: true},
		"discord":  {Token: "d", Enabled: false},
	}}

	_, ok := cfg.GetGatewayConfig("telegram")
	assert.True(t, ok)
	_, ok = cfg.GetGatewayConfig("discord")
	assert.False(t, ok)
	_, ok = cfg.GetGatewayConfig("slack")
	assert.False(t, ok)
}
