package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("JOB_DEFAULT_TIMEOUT_MINUTES", "")
	t.Setenv("JOB_MAX_CONCURRENT", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Minute, cfg.DefaultJobTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.False(t, cfg.ArchiveDBEnabled())
}

func TestLoadConfig_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("JOB_MAX_CONCURRENT", "many")
	t.Setenv("MARKET_DATA_RPS", "-2")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 5.0, cfg.MarketDataRPS)
	assert.Len(t, cfg.Warnings, 2)
}

func TestLoadConfig_ClampsDefaultTimeout(t *testing.T) {
	t.Setenv("JOB_DEFAULT_TIMEOUT_MINUTES", "500")
	t.Setenv("JOB_MAX_TIMEOUT_MINUTES", "90")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.DefaultJobTimeout)
}

func TestLoadConfig_BadAutoResumeDisabled(t *testing.T) {
	t.Setenv("AUTO_RESUME_AT", "midnight")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.AutoResumeAt)
}

func TestMaskHost(t *testing.T) {
	assert.Equal(t, "***", maskHost("db"))
	assert.Equal(t, "loc***", maskHost("localhost"))
	assert.Equal(t, "aws-0-ap***upabase.co", maskHost("aws-0-ap-southeast-1.pooler.supabase.co"))
}

func TestLoadConfig_CORSOrigins(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}
