// Package config provides runtime configuration management.
// This file corresponds to src/config.js in the Node.js version, generalised
// to the full external-interface configuration surface (listener, auth gate,
// scheduling mode, quota protection, z.ai upstream, hot reload).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// HealthScoreConfig configures the health scoring for hybrid strategy
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig configures the token bucket for hybrid strategy
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig configures quota thresholds for hybrid strategy
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// WeightsConfig holds scoring weights for hybrid strategy (config file shape)
type WeightsConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	Lru    float64 `json:"lru"`
}

// AccountSelectionConfig configures account selection behavior
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
	Weights     *WeightsConfig     `json:"weights,omitempty"`
}

// SchedulingMode is the account-scheduling behaviour (§4.1).
type SchedulingMode string

const (
	SchedulingCacheFirst      SchedulingMode = "CacheFirst"
	SchedulingBalance         SchedulingMode = "Balance"
	SchedulingPerformanceFirst SchedulingMode = "PerformanceFirst"
)

// EnablesStickyBinding reports whether this mode honours sticky sessions
// and the 60-second reuse window (both CacheFirst and Balance do).
func (m SchedulingMode) EnablesStickyBinding() bool {
	return m != SchedulingPerformanceFirst
}

// SchedulingConfig groups the scheduler's externally-tunable behaviour.
type SchedulingConfig struct {
	Mode SchedulingMode `json:"mode"`
}

// QuotaProtectionConfig configures per-model quota protection (§6).
type QuotaProtectionConfig struct {
	Enabled            bool     `json:"enabled"`
	ThresholdPercentage float64  `json:"thresholdPercentage"`
	MonitoredModels    []string `json:"monitoredModels"`
}

// UpstreamProxyConfig configures an outbound HTTP proxy for the upstream client.
type UpstreamProxyConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// ZaiModelsConfig maps Claude role names to z.ai model ids.
type ZaiModelsConfig struct {
	Opus   string `json:"opus"`
	Sonnet string `json:"sonnet"`
	Haiku  string `json:"haiku"`
}

// ZaiMCPConfig configures z.ai's MCP passthrough.
type ZaiMCPConfig struct {
	Enabled        bool   `json:"enabled"`
	APIKeyOverride string `json:"apiKeyOverride"`
}

// ZaiDispatchMode controls whether and when requests are routed to z.ai
// instead of Cloud Code.
const (
	ZaiDispatchOff      = "Off"      // never dispatch to z.ai
	ZaiDispatchAlways   = "Always"   // every request goes to z.ai
	ZaiDispatchFallback = "Fallback" // z.ai is used only when Cloud Code has no available account
)

// ZaiConfig configures the optional z.ai Anthropic-compatible upstream (§4.3).
type ZaiConfig struct {
	Enabled      bool              `json:"enabled"`
	DispatchMode string            `json:"dispatchMode"`
	BaseURL      string            `json:"baseUrl"`
	APIKey       string            `json:"apiKey"`
	Models       ZaiModelsConfig   `json:"models"`
	ModelMapping map[string]string `json:"modelMapping"`
	MCP          ZaiMCPConfig      `json:"mcp"`
}

// AuthMode is the listener's authorisation mode (§6).
type AuthMode string

const (
	AuthOff             AuthMode = "Off"
	AuthAllExceptHealth AuthMode = "AllExceptHealth"
	AuthStrict          AuthMode = "Strict"
	AuthAuto            AuthMode = "Auto"
)

// ExperimentalConfig holds feature flags that don't warrant a first-class field.
type ExperimentalConfig struct {
	Flags map[string]bool `json:"flags"`
}

// Config represents the runtime configuration
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey        string `json:"apiKey"`
	WebUIPassword string `json:"webuiPassword"`

	// Listener
	Port           int      `json:"port"`
	Host           string   `json:"host"`
	AllowLanAccess bool     `json:"allowLanAccess"`
	AuthMode       AuthMode `json:"authMode"`

	// Telemetry toggles
	EnableLogging              bool `json:"enableLogging"`
	AccessLogEnabled           bool `json:"accessLogEnabled"`
	ResponseAttributionHeaders bool `json:"responseAttributionHeaders"`

	// Logging and debugging
	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	// Upstream client
	RequestTimeout int64               `json:"requestTimeout"`
	UpstreamProxy  UpstreamProxyConfig `json:"upstreamProxy"`

	// Retry configuration
	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	// Token handling
	PersistTokenCache bool `json:"persistTokenCache"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	// Account limits
	MaxAccounts          int     `json:"maxAccounts"`
	GlobalQuotaThreshold float64 `json:"globalQuotaThreshold"`

	// Rate limit handling
	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`

	// Model mapping (hot-reloadable)
	ModelMapping      map[string]string `json:"modelMapping"`
	AnthropicMapping  map[string]string `json:"anthropicMapping"`
	OpenAIMapping     map[string]string `json:"openaiMapping"`
	CustomMapping     map[string]string `json:"customMapping"`

	// Scheduling + quota protection
	Scheduling      SchedulingConfig      `json:"scheduling"`
	QuotaProtection QuotaProtectionConfig `json:"quotaProtection"`

	// z.ai upstream
	Zai ZaiConfig `json:"zai"`

	// Experimental feature flags
	Experimental ExperimentalConfig `json:"experimental"`

	// Account selection strategy
	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	// Redis configuration
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Fallback configuration
	FallbackEnabled bool `json:"fallbackEnabled"`

	// reloadListeners are invoked (without holding mu) after a hot reload.
	reloadListeners []func(*Config)
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		APIKey:                     "",
		WebUIPassword:              "",
		Port:                       DefaultPort,
		Host:                       "127.0.0.1",
		AllowLanAccess:             false,
		AuthMode:                   AuthAuto,
		EnableLogging:              true,
		AccessLogEnabled:           true,
		ResponseAttributionHeaders: false,
		Debug:                      false,
		DevMode:                    false,
		LogLevel:                   "info",
		RequestTimeout:             5,
		UpstreamProxy:              UpstreamProxyConfig{Enabled: false},
		MaxRetries:                 5,
		RetryBaseMs:                1000,
		RetryMaxMs:                 30000,
		PersistTokenCache:          false,
		DefaultCooldownMs:          10000,
		MaxWaitBeforeErrorMs:       MaxWaitBeforeErrorMs,
		MaxAccounts:                MaxAccounts,
		GlobalQuotaThreshold:       0,
		RateLimitDedupWindowMs:     RateLimitDedupWindowMs,
		MaxConsecutiveFailures:     MaxConsecutiveFailures,
		ExtendedCooldownMs:         ExtendedCooldownMs,
		MaxCapacityRetries:         MaxCapacityRetries,
		ModelMapping:               make(map[string]string),
		AnthropicMapping:           make(map[string]string),
		OpenAIMapping:              make(map[string]string),
		CustomMapping:              make(map[string]string),
		Scheduling:                 SchedulingConfig{Mode: SchedulingCacheFirst},
		QuotaProtection: QuotaProtectionConfig{
			Enabled:             true,
			ThresholdPercentage: 5,
			MonitoredModels:     []string{},
		},
		Zai: ZaiConfig{
			Enabled: false,
			Models:  ZaiModelsConfig{},
		},
		Experimental: ExperimentalConfig{Flags: make(map[string]bool)},
		AccountSelection: AccountSelectionConfig{
			Strategy: "hybrid",
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  2,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300000,
			},
			Weights: &WeightsConfig{Health: 2, Tokens: 5, Quota: 3, Lru: 0.1},
		},
		RedisAddr:       "localhost:6379",
		RedisPassword:   "",
		RedisDB:         0,
		FallbackEnabled: false,
	}
}

// Config paths
var (
	configDir  string
	configFile string
)

func init() {
	home := getHomeDir()
	configDir = filepath.Join(home, ".config", "antigravity-proxy")
	configFile = filepath.Join(configDir, "config.json")
}

// Global config instance
var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from file and environment
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(configDir, 0755); err != nil {
		utils.Warn("Failed to create config directory: %v", err)
	}

	if fileExists(configFile) {
		if err := c.loadFromFile(configFile); err != nil {
			utils.Warn("Failed to load config from %s: %v", configFile, err)
		}
	} else {
		localConfig := filepath.Join(".", "config.json")
		if fileExists(localConfig) {
			if err := c.loadFromFile(localConfig); err != nil {
				utils.Warn("Failed to load local config: %v", err)
			}
		}
	}

	c.loadFromEnv()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}

	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadFromFile loads config from a JSON file, preserving current values for
// fields the file omits (unmarshals into a copy seeded with defaults).
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tempConfig := DefaultConfig()
	if err := json.Unmarshal(data, tempConfig); err != nil {
		return err
	}

	c.copyFrom(tempConfig)
	return nil
}

func (c *Config) copyFrom(tempConfig *Config) {
	c.APIKey = tempConfig.APIKey
	c.WebUIPassword = tempConfig.WebUIPassword
	c.Port = tempConfig.Port
	c.Host = tempConfig.Host
	c.AllowLanAccess = tempConfig.AllowLanAccess
	c.AuthMode = tempConfig.AuthMode
	c.EnableLogging = tempConfig.EnableLogging
	c.AccessLogEnabled = tempConfig.AccessLogEnabled
	c.ResponseAttributionHeaders = tempConfig.ResponseAttributionHeaders
	c.Debug = tempConfig.Debug
	c.DevMode = tempConfig.DevMode
	c.LogLevel = tempConfig.LogLevel
	c.RequestTimeout = tempConfig.RequestTimeout
	c.UpstreamProxy = tempConfig.UpstreamProxy
	c.MaxRetries = tempConfig.MaxRetries
	c.RetryBaseMs = tempConfig.RetryBaseMs
	c.RetryMaxMs = tempConfig.RetryMaxMs
	c.PersistTokenCache = tempConfig.PersistTokenCache
	c.DefaultCooldownMs = tempConfig.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = tempConfig.MaxWaitBeforeErrorMs
	c.MaxAccounts = tempConfig.MaxAccounts
	c.GlobalQuotaThreshold = tempConfig.GlobalQuotaThreshold
	c.RateLimitDedupWindowMs = tempConfig.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = tempConfig.MaxConsecutiveFailures
	c.ExtendedCooldownMs = tempConfig.ExtendedCooldownMs
	c.MaxCapacityRetries = tempConfig.MaxCapacityRetries
	c.ModelMapping = tempConfig.ModelMapping
	c.AnthropicMapping = tempConfig.AnthropicMapping
	c.OpenAIMapping = tempConfig.OpenAIMapping
	c.CustomMapping = tempConfig.CustomMapping
	c.Scheduling = tempConfig.Scheduling
	c.QuotaProtection = tempConfig.QuotaProtection
	c.Zai = tempConfig.Zai
	c.Experimental = tempConfig.Experimental
	c.AccountSelection = tempConfig.AccountSelection
	c.RedisAddr = tempConfig.RedisAddr
	c.RedisPassword = tempConfig.RedisPassword
	c.RedisDB = tempConfig.RedisDB
	c.FallbackEnabled = tempConfig.FallbackEnabled
}

// loadFromEnv loads config from environment variables
func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("WEBUI_PASSWORD"); v != "" {
		c.WebUIPassword = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("ZAI_API_KEY"); v != "" {
		c.Zai.APIKey = v
		c.Zai.Enabled = true
	}
}

// Save saves the current configuration to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configFile, data, 0644)
}

// WatchForChanges starts an fsnotify watch on the config file and reloads it
// in place on write events, invoking any registered reload listeners.
// Returns a stop function; the watch exits when the returned context is done
// or stop is called.
func (c *Config) WatchForChanges() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(configFile); err != nil {
		// Config file may not exist yet; watch the directory instead.
		if werr := watcher.Add(configDir); werr != nil {
			watcher.Close()
			return nil, err
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != configFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Load(); err != nil {
					utils.Warn("[Config] Hot reload failed: %v", err)
					continue
				}
				utils.Info("[Config] Hot reloaded from %s", configFile)
				c.notifyReload()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				utils.Warn("[Config] Watch error: %v", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// OnReload registers a callback invoked after every successful hot reload.
func (c *Config) OnReload(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadListeners = append(c.reloadListeners, fn)
}

func (c *Config) notifyReload() {
	c.mu.RLock()
	listeners := append([]func(*Config){}, c.reloadListeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// Update applies updates to the configuration and saves
func (c *Config) Update(updates map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range updates {
		switch key {
		case "apiKey":
			if v, ok := value.(string); ok {
				c.APIKey = v
			}
		case "webuiPassword":
			if v, ok := value.(string); ok {
				c.WebUIPassword = v
			}
		case "debug":
			if v, ok := value.(bool); ok {
				c.Debug = v
			}
		case "devMode":
			if v, ok := value.(bool); ok {
				c.DevMode = v
			}
		case "globalQuotaThreshold":
			if v, ok := value.(float64); ok {
				c.GlobalQuotaThreshold = v
			}
		case "maxAccounts":
			if v, ok := value.(float64); ok {
				c.MaxAccounts = int(v)
			}
		case "fallbackEnabled":
			if v, ok := value.(bool); ok {
				c.FallbackEnabled = v
			}
		case "allowLanAccess":
			if v, ok := value.(bool); ok {
				c.AllowLanAccess = v
			}
		case "authMode":
			if v, ok := value.(string); ok {
				c.AuthMode = AuthMode(v)
			}
		case "schedulingMode":
			if v, ok := value.(string); ok {
				c.Scheduling.Mode = SchedulingMode(v)
			}
		case "zaiEnabled":
			if v, ok := value.(bool); ok {
				c.Zai.Enabled = v
			}
		case "zaiDispatchMode":
			if v, ok := value.(string); ok {
				c.Zai.DispatchMode = v
			}
		case "customMapping":
			if v, ok := value.(map[string]interface{}); ok {
				mapping := make(map[string]string, len(v))
				for k, raw := range v {
					if s, ok := raw.(string); ok {
						mapping[k] = s
					}
				}
				c.CustomMapping = mapping
			}
		}
	}

	utils.SetDebug(c.Debug || c.DevMode)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configFile, data, 0644)
}

// GetPublic returns a copy of the config with sensitive fields redacted
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := map[string]interface{}{
		"apiKey":                     redact(c.APIKey),
		"webuiPassword":              redact(c.WebUIPassword),
		"port":                       c.Port,
		"host":                       c.Host,
		"allowLanAccess":             c.AllowLanAccess,
		"authMode":                   c.AuthMode,
		"enableLogging":              c.EnableLogging,
		"accessLogEnabled":           c.AccessLogEnabled,
		"responseAttributionHeaders": c.ResponseAttributionHeaders,
		"debug":                      c.Debug,
		"devMode":                    c.DevMode,
		"logLevel":                   c.LogLevel,
		"requestTimeout":             c.RequestTimeout,
		"upstreamProxy":              c.UpstreamProxy,
		"maxRetries":                 c.MaxRetries,
		"retryBaseMs":                c.RetryBaseMs,
		"retryMaxMs":                 c.RetryMaxMs,
		"persistTokenCache":          c.PersistTokenCache,
		"defaultCooldownMs":          c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":       c.MaxWaitBeforeErrorMs,
		"maxAccounts":                c.MaxAccounts,
		"globalQuotaThreshold":       c.GlobalQuotaThreshold,
		"rateLimitDedupWindowMs":     c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures":     c.MaxConsecutiveFailures,
		"extendedCooldownMs":         c.ExtendedCooldownMs,
		"maxCapacityRetries":         c.MaxCapacityRetries,
		"modelMapping":               c.ModelMapping,
		"anthropicMapping":           c.AnthropicMapping,
		"openaiMapping":              c.OpenAIMapping,
		"customMapping":              c.CustomMapping,
		"scheduling":                 c.Scheduling,
		"quotaProtection":            c.QuotaProtection,
		"zai":                        redactZai(c.Zai),
		"experimental":               c.Experimental,
		"accountSelection":           c.AccountSelection,
		"redisAddr":                  c.RedisAddr,
		"redisPassword":              redact(c.RedisPassword),
		"redisDB":                    c.RedisDB,
		"fallbackEnabled":            c.FallbackEnabled,
	}

	return result
}

func redactZai(z ZaiConfig) ZaiConfig {
	z.APIKey = redact(z.APIKey)
	z.MCP.APIKeyOverride = redact(z.MCP.APIKeyOverride)
	return z
}

// GetStrategy returns the current account selection strategy
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// SetStrategy updates the account selection strategy
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AccountSelection.Strategy = strategy
}

// IsDevMode returns whether dev mode is enabled
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

// SchedulingMode returns the current scheduling mode, thread-safely.
func (c *Config) SchedulingMode() SchedulingMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Scheduling.Mode == "" {
		return SchedulingCacheFirst
	}
	return c.Scheduling.Mode
}

// ResolvedAuthMode resolves Auto against whether the listener is LAN-exposed.
func (c *Config) ResolvedAuthMode() AuthMode {
	c.mu.RLock()
	mode := c.AuthMode
	lan := c.AllowLanAccess
	c.mu.RUnlock()

	if mode != AuthAuto {
		return mode
	}
	if lan {
		return AuthStrict
	}
	return AuthOff
}

// redact returns "********" if the string is non-empty, otherwise empty string
func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// Convenience functions

// GetPort returns the server port from global config
func GetPort() int {
	return GetConfig().Port
}

// GetHost returns the server host from global config
func GetHost() string {
	return GetConfig().Host
}

// IsDebug returns whether debug mode is enabled
func IsDebug() bool {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.Debug
}

// IsDevModeEnabled returns whether dev mode is enabled
func IsDevModeEnabled() bool {
	return GetConfig().IsDevMode()
}

// GetGlobalQuotaThreshold returns the global quota threshold
func GetGlobalQuotaThreshold() float64 {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.GlobalQuotaThreshold
}
