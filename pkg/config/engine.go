package config

import "time"

// EngineConfig holds runtime configuration for the deploy engine.
type EngineConfig struct {
	LogLevel             string
	Environment          string
	Addr                 string
	BaseDir              string
	StaticServerBin      string
	InstallCommand       string
	StartCommand         string
	KillGrace            time.Duration
	PortFreeChecks       int
	PortFreeInterval     time.Duration
	HealthRetries        int
	HealthInterval       time.Duration
	HealthTimeout        time.Duration
	ExtractTimeout       time.Duration
	InstallTimeout       time.Duration
	NginxAvailableDir    string
	NginxEnabledDir      string
	NginxTestCommand     string
	NginxReloadCommand   string
	NginxContainerName   string
	BaseDomain           string
	ReloadAttempts       int
	ReloadBaseDelay      time.Duration
	ReservedSubdomains   []string
	ProxyEnabled         bool
	MaxArtifactSizeBytes int64
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		LogLevel:             GetString("LOG_LEVEL", "info"),
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("ENGINE_ADDR", ":4002"),
		BaseDir:              GetString("BASE_DIR", "/var/lib/launchpad/apps"),
		StaticServerBin:      GetString("STATIC_SERVER_BIN", ""),
		InstallCommand:       GetString("APP_INSTALL_COMMAND", "bun install --production"),
		StartCommand:         GetString("APP_START_COMMAND", "bun run start"),
		KillGrace:            GetMillis("KILL_GRACE_MS", 2000),
		PortFreeChecks:       GetInt("PORT_FREE_CHECKS", 10),
		PortFreeInterval:     GetMillis("PORT_FREE_INTERVAL_MS", 500),
		HealthRetries:        GetInt("HEALTH_RETRIES", 20),
		HealthInterval:       GetMillis("HEALTH_INTERVAL_MS", 500),
		HealthTimeout:        GetMillis("HEALTH_TIMEOUT_MS", 1000),
		ExtractTimeout:       GetSeconds("EXTRACT_TIMEOUT_SECONDS", 60),
		InstallTimeout:       GetSeconds("INSTALL_TIMEOUT_SECONDS", 300),
		NginxAvailableDir:    GetString("NGINX_AVAILABLE_DIR", "/etc/nginx/sites-available"),
		NginxEnabledDir:      GetString("NGINX_ENABLED_DIR", "/etc/nginx/sites-enabled"),
		NginxTestCommand:     GetString("NGINX_TEST_COMMAND", "nginx -t"),
		NginxReloadCommand:   GetString("NGINX_RELOAD_COMMAND", "nginx -s reload"),
		NginxContainerName:   GetString("NGINX_CONTAINER_NAME", ""),
		BaseDomain:           GetString("BASE_DOMAIN", "localhost"),
		ReloadAttempts:       GetInt("PROXY_RELOAD_ATTEMPTS", 3),
		ReloadBaseDelay:      GetMillis("PROXY_RELOAD_BASE_DELAY_MS", 500),
		ReservedSubdomains:   GetList("RESERVED_SUBDOMAINS", DefaultReservedSubdomains),
		ProxyEnabled:         GetBool("PROXY_ENABLED", true),
		MaxArtifactSizeBytes: int64(GetInt("MAX_ARTIFACT_MB", 1024)) << 20,
	}
}
