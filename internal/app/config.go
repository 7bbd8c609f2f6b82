package app

import (
	"time"

	"github.com/nvoss/loomchat-backend/internal/platform/envutil"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/services"
)

type Config struct {
	Port         string
	ProfilesPath string
	Compressor   services.CompressorConfig
	Enforcer     services.EnforcerConfig
}

func LoadConfig(log *logger.Logger) Config {
	log.Info("Loading environment variables...")

	cmp := services.DefaultCompressorConfig()
	cmp.ThresholdTokens = envutil.Int("COMPRESS_THRESHOLD_TOKENS", cmp.ThresholdTokens)
	cmp.AggressiveTokens = envutil.Int("COMPRESS_AGGRESSIVE_TOKENS", cmp.AggressiveTokens)
	cmp.TrivialFloor = envutil.Int("COMPRESS_TRIVIAL_FLOOR", cmp.TrivialFloor)

	enf := services.DefaultEnforcerConfig()
	enf.TextThreshold = envutil.Int("TOOL_POLICY_TEXT_THRESHOLD", enf.TextThreshold)
	enf.MaxRetries = envutil.Int("TOOL_POLICY_MAX_RETRIES", enf.MaxRetries)
	enf.RetryDelay = envutil.Duration("TOOL_POLICY_RETRY_DELAY", 2*time.Second)
	enf.RetryContextCount = envutil.Int("TOOL_POLICY_RETRY_CONTEXT", enf.RetryContextCount)

	return Config{
		Port:         envutil.String("PORT", "8080"),
		ProfilesPath: envutil.String("PROFILES_PATH", "profiles.yaml"),
		Compressor:   cmp,
		Enforcer:     enf,
	}
}
