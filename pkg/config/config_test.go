package config

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSessionConfig_SeedsModelFromEnv(t *testing.T) {
	env := &EnvConfig{LLMModel: "gpt-4o-mini"}

	raw := DefaultSessionConfig(env)

	var cfg map[string]any
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &cfg))
	assert.Equal(t, "gpt-4o-mini", cfg["model"])
	assert.Equal(t, "single", cfg["mode"])

	rag, ok := cfg["rag"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "aquaculture_knowledge", rag["collection_name"])
}

func TestLoadEnv_AssemblesDSNFromParts(t *testing.T) {
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("MYSQL_HOST", "db.internal")
	t.Setenv("MYSQL_PORT", "3307")
	t.Setenv("MYSQL_USER", "aqua")
	t.Setenv("MYSQL_PASSWORD", "secret")
	t.Setenv("MYSQL_DATABASE", "gateway")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "aqua:secret@tcp(db.internal:3307)/gateway?parseTime=true&charset=utf8mb4&loc=Local", cfg.MySQLDSN)
}

func TestLoadEnv_RequiresDatabaseTarget(t *testing.T) {
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("MYSQL_HOST", "")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")

	_, err := LoadEnv()
	assert.Error(t, err)
}

func TestDefaultSystemConfig_HasSafeDefaults(t *testing.T) {
	cfg := DefaultSystemConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "synthesize", cfg.ExpertStreamPolicy)
	assert.True(t, cfg.EnableExpertConsultation)
	assert.Equal(t, 4, cfg.InboundQueueDepth)
}

func TestLoadSystemConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg := LoadSystemConfig("/nonexistent/path/system.json")
	assert.Equal(t, DefaultSystemConfig(), cfg)
}
