package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for Atelier
type Config struct {
	Search     SearchConfig     `json:"search"`
	Sessions   SessionsConfig   `json:"sessions"`
	Services   ServicesConfig   `json:"services"`
	Providers  ProvidersConfig  `json:"providers"`
	Image      ImageConfig      `json:"image"`
	Moderation ModerationConfig `json:"moderation"`
	Timeouts   TimeoutsConfig   `json:"timeouts"`
	Server     ServerConfig     `json:"server"`
	Trace      string           `json:"trace"` // "off" or "stdout"
}

// SearchConfig holds the beam-search parameters
type SearchConfig struct {
	BeamWidth     int     `json:"beam_width"`     // candidates per iteration (N)
	Survivors     int     `json:"survivors"`      // survivors per iteration (M)
	MaxIterations int     `json:"max_iterations"` // iteration budget (I)
	Alpha         float64 `json:"alpha"`          // alignment weight in combined rank/score
	EnsembleSize  int     `json:"ensemble_size"`  // VLM votes per pairwise comparison (k)
	RankingMode   string  `json:"ranking_mode"`   // "ranking" (pairwise) or "score" (absolute)
	Workers       int     `json:"workers"`        // candidate worker pool size
}

// SessionsConfig holds the on-disk session store configuration
type SessionsConfig struct {
	Root string `json:"root"` // date-partitioned session root directory
}

// ServicesConfig holds local model-service coordination configuration
type ServicesConfig struct {
	Dir                  string              `json:"dir"`                     // port files and stop-lock markers live here
	CleanupDelayMS       int                 `json:"cleanup_delay_ms"`        // GPU settle time after stopping services
	HealthCheckTimeoutMS int                 `json:"health_check_timeout_ms"` // per health probe
	RestartBudgetMS      int                 `json:"restart_budget_ms"`       // total backoff budget waiting for a restart
	Start                map[string][]string `json:"start,omitempty"`         // per-service start command (argv)
	LLMURL               string              `json:"llm_url,omitempty"`
	ImageURL             string              `json:"image_url,omitempty"`
	VisionURL            string              `json:"vision_url,omitempty"`
	VLMURL               string              `json:"vlm_url,omitempty"`
	VideoURL             string              `json:"video_url,omitempty"`
}

// ProvidersConfig holds provider selection and cloud credentials
type ProvidersConfig struct {
	Mode          string  `json:"mode"` // "mock" or "real"
	OpenAIAPIKey  string  `json:"openai_api_key"`
	OpenAIBaseURL string  `json:"openai_base_url"`
	ModelExpand   string  `json:"model_expand"`
	ModelRefine   string  `json:"model_refine"`
	ModelCombine  string  `json:"model_combine"`
	ModelVision   string  `json:"model_vision"`
	ModelImage    string  `json:"model_image"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
}

// ImageConfig holds image generation defaults
type ImageConfig struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Steps    int     `json:"steps"`    // diffusion steps (FLUX_STEPS)
	Guidance float64 `json:"guidance"` // guidance scale (FLUX_GUIDANCE)
}

// ModerationConfig holds the content-policy retry policy
type ModerationConfig struct {
	MaxAttempts  int `json:"max_attempts"`  // attempts per operation, including the first
	HistoryLimit int `json:"history_limit"` // violation tracker entries kept
}

// TimeoutsConfig holds per-call deadlines in seconds
type TimeoutsConfig struct {
	LLMSeconds     int `json:"llm_seconds"`
	ImageSeconds   int `json:"image_seconds"`
	CompareSeconds int `json:"compare_seconds"`
}

// ServerConfig holds control API server configuration
type ServerConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".atelier")

	return &Config{
		Search: SearchConfig{
			BeamWidth:     4,
			Survivors:     2,
			MaxIterations: 4,
			Alpha:         0.7,
			EnsembleSize:  3,
			RankingMode:   "ranking",
			Workers:       4,
		},
		Sessions: SessionsConfig{
			Root: filepath.Join(dataDir, "sessions"),
		},
		Services: ServicesConfig{
			Dir:                  filepath.Join(dataDir, "services"),
			CleanupDelayMS:       2000,
			HealthCheckTimeoutMS: 30000,
			RestartBudgetMS:      60000,
		},
		Providers: ProvidersConfig{
			Mode:          "real",
			OpenAIBaseURL: "https://api.openai.com/v1",
			ModelExpand:   "gpt-4o-mini",
			ModelRefine:   "gpt-4o-mini",
			ModelCombine:  "gpt-4o-mini",
			ModelVision:   "gpt-4o",
			ModelImage:    "dall-e-3",
			Temperature:   0.7,
			MaxTokens:     4096,
		},
		Image: ImageConfig{
			Width:    1024,
			Height:   1024,
			Steps:    28,
			Guidance: 3.5,
		},
		Moderation: ModerationConfig{
			MaxAttempts:  3,
			HistoryLimit: 200,
		},
		Timeouts: TimeoutsConfig{
			LLMSeconds:     120,
			ImageSeconds:   600,
			CompareSeconds: 300,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8090",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Trace: "off",
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from the config file and environment variables
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	// Search parameters
	envInt("ATELIER_BEAM_WIDTH", &cfg.Search.BeamWidth)
	envInt("ATELIER_SURVIVORS", &cfg.Search.Survivors)
	envInt("ATELIER_MAX_ITERATIONS", &cfg.Search.MaxIterations)
	envFloat("ATELIER_ALPHA", &cfg.Search.Alpha)
	envInt("ENSEMBLE_SIZE", &cfg.Search.EnsembleSize)
	envString("ATELIER_RANKING_MODE", &cfg.Search.RankingMode)
	envInt("ATELIER_WORKERS", &cfg.Search.Workers)

	// Session store
	envString("ATELIER_SESSIONS_ROOT", &cfg.Sessions.Root)

	// Local model services
	envString("ATELIER_SERVICES_DIR", &cfg.Services.Dir)
	envInt("GPU_CLEANUP_DELAY_MS", &cfg.Services.CleanupDelayMS)
	envInt("MODEL_HEALTH_CHECK_TIMEOUT_MS", &cfg.Services.HealthCheckTimeoutMS)
	envString("LLM_URL", &cfg.Services.LLMURL)
	envString("IMAGE_URL", &cfg.Services.ImageURL)
	envString("VISION_URL", &cfg.Services.VisionURL)
	envString("VLM_URL", &cfg.Services.VLMURL)
	envString("VIDEO_URL", &cfg.Services.VideoURL)

	// Providers
	envString("PROVIDER_MODE", &cfg.Providers.Mode)
	envString("OPENAI_API_KEY", &cfg.Providers.OpenAIAPIKey)
	envString("OPENAI_BASE_URL", &cfg.Providers.OpenAIBaseURL)
	envString("OPENAI_LLM_MODEL_EXPAND", &cfg.Providers.ModelExpand)
	envString("OPENAI_LLM_MODEL_REFINE", &cfg.Providers.ModelRefine)
	envString("OPENAI_LLM_MODEL_COMBINE", &cfg.Providers.ModelCombine)
	envString("OPENAI_VISION_MODEL", &cfg.Providers.ModelVision)
	envString("OPENAI_IMAGE_MODEL", &cfg.Providers.ModelImage)

	// Image generation defaults
	envInt("IMAGE_WIDTH", &cfg.Image.Width)
	envInt("IMAGE_HEIGHT", &cfg.Image.Height)
	envInt("FLUX_STEPS", &cfg.Image.Steps)
	envFloat("FLUX_GUIDANCE", &cfg.Image.Guidance)

	// Server and tracing
	envString("ATELIER_HTTP_ADDR", &cfg.Server.Addr)
	envStringSlice("ATELIER_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	envString("ATELIER_TRACE", &cfg.Trace)

	if err := os.MkdirAll(cfg.Sessions.Root, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Services.Dir, 0755); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ServiceURLOverride returns the configured URL override for a service name,
// or empty when the service should be resolved by port file / default port.
func (c *Config) ServiceURLOverride(service string) string {
	switch service {
	case "llm":
		return c.Services.LLMURL
	case "image":
		return c.Services.ImageURL
	case "vision":
		return c.Services.VisionURL
	case "vlm":
		return c.Services.VLMURL
	case "video":
		return c.Services.VideoURL
	}
	return ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	if c.Search.BeamWidth < 1 {
		errs = append(errs, "beam width must be at least 1")
	}
	if c.Search.Survivors < 1 {
		errs = append(errs, "survivors must be at least 1")
	}
	if c.Search.Survivors > c.Search.BeamWidth {
		errs = append(errs, "survivors cannot exceed beam width")
	}
	if c.Search.MaxIterations < 0 {
		errs = append(errs, "max iterations cannot be negative")
	}
	if c.Search.Alpha < 0 || c.Search.Alpha > 1 {
		errs = append(errs, "alpha must be between 0 and 1")
	}
	if c.Search.EnsembleSize < 1 {
		errs = append(errs, "ensemble size must be at least 1")
	}
	if c.Search.RankingMode != "ranking" && c.Search.RankingMode != "score" {
		errs = append(errs, "ranking mode must be 'ranking' or 'score'")
	}
	if c.Search.Workers < 1 {
		errs = append(errs, "workers must be at least 1")
	}

	if c.Sessions.Root == "" {
		errs = append(errs, "sessions root is required")
	}
	if c.Services.Dir == "" {
		errs = append(errs, "services dir is required")
	}
	if c.Services.CleanupDelayMS < 0 {
		errs = append(errs, "GPU cleanup delay cannot be negative")
	}
	if c.Services.HealthCheckTimeoutMS < 1 {
		errs = append(errs, "health check timeout must be positive")
	}
	if c.Services.RestartBudgetMS < 1 {
		errs = append(errs, "restart budget must be positive")
	}

	if c.Providers.Mode != "mock" && c.Providers.Mode != "real" {
		errs = append(errs, "provider mode must be 'mock' or 'real'")
	}
	if c.Providers.Temperature < 0 || c.Providers.Temperature > 2 {
		errs = append(errs, "temperature must be between 0 and 2")
	}
	if c.Providers.MaxTokens < 1 {
		errs = append(errs, "max_tokens must be positive")
	}

	if c.Image.Width < 1 || c.Image.Height < 1 {
		errs = append(errs, "image dimensions must be positive")
	}
	if c.Image.Steps < 1 {
		errs = append(errs, "image steps must be at least 1")
	}
	if c.Image.Guidance <= 0 {
		errs = append(errs, "image guidance must be positive")
	}

	if c.Moderation.MaxAttempts < 1 {
		errs = append(errs, "moderation max attempts must be at least 1")
	}
	if c.Moderation.HistoryLimit < 0 {
		errs = append(errs, "moderation history limit cannot be negative")
	}

	if c.Timeouts.LLMSeconds < 1 || c.Timeouts.ImageSeconds < 1 || c.Timeouts.CompareSeconds < 1 {
		errs = append(errs, "timeouts must be positive")
	}

	if c.Server.Addr == "" {
		errs = append(errs, "server addr is required")
	} else if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, "server addr must be host:port")
	}

	if c.Trace != "off" && c.Trace != "stdout" {
		errs = append(errs, "trace must be 'off' or 'stdout'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("ATELIER_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	// Check ~/.config/atelier/config.json first
	configDir := filepath.Join(homeDir, ".config", "atelier")
	configPath := filepath.Join(configDir, "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	// Check ~/.atelier/config.json
	altPath := filepath.Join(homeDir, ".atelier", "config.json")
	if _, err := os.Stat(altPath); err == nil {
		return altPath
	}

	return configPath
}
