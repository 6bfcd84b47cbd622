package config

import "time"

// WorkerConfig holds runtime configuration for the build worker.
type WorkerConfig struct {
	LogLevel         string
	Environment      string
	Addr             string
	Workdir          string
	ControlURL       string
	EngineURL        string
	BuilderToken     string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	QueueName        string
	LockDuration     time.Duration
	StalledInterval  time.Duration
	MaxStalledCount  int
	InstallCommand   string
	GitTimeout       time.Duration
	CommandTimeout   time.Duration
	BuildTimeout     time.Duration
	UploadTimeout    time.Duration
	CallbackTimeout  time.Duration
	LogFlushBytes    int
	LogFlushInterval time.Duration
	GitHubAppID      string
	GitHubKeyPath    string
	GitHubAPIURL     string
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LogLevel:         GetString("LOG_LEVEL", "info"),
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("WORKER_ADDR", ":4001"),
		Workdir:          GetString("WORKER_WORKDIR", "/tmp/launchpad/builds"),
		ControlURL:       GetString("CONTROL_API_URL", "http://localhost:4000"),
		EngineURL:        GetString("DEPLOY_ENGINE_URL", "http://localhost:4002"),
		BuilderToken:     GetString("BUILDER_AUTH_TOKEN", ""),
		RedisAddr:        GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    GetString("REDIS_PASSWORD", ""),
		RedisDB:          GetInt("REDIS_DB", 0),
		QueueName:        GetString("BUILD_QUEUE_NAME", "build-queue"),
		LockDuration:     GetSeconds("QUEUE_LOCK_SECONDS", 60),
		StalledInterval:  GetSeconds("QUEUE_STALLED_INTERVAL_SECONDS", 60),
		MaxStalledCount:  GetInt("QUEUE_MAX_STALLED", 1),
		InstallCommand:   GetString("WORKER_INSTALL_COMMAND", ""),
		GitTimeout:       GetSeconds("GIT_TIMEOUT_SECONDS", 300),
		CommandTimeout:   GetSeconds("COMMAND_TIMEOUT_SECONDS", 600),
		BuildTimeout:     GetSeconds("BUILD_TIMEOUT_SECONDS", 1800),
		UploadTimeout:    GetSeconds("ARTIFACT_UPLOAD_TIMEOUT_SECONDS", 600),
		CallbackTimeout:  GetSeconds("CALLBACK_TIMEOUT_SECONDS", 5),
		LogFlushBytes:    GetInt("LOG_FLUSH_BYTES", 2048),
		LogFlushInterval: GetMillis("LOG_FLUSH_INTERVAL_MS", 500),
		GitHubAppID:      GetString("GITHUB_APP_ID", ""),
		GitHubKeyPath:    GetString("GITHUB_APP_PRIVATE_KEY_PATH", ""),
		GitHubAPIURL:     GetString("GITHUB_API_URL", "https://api.github.com"),
	}
}
