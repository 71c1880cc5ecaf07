package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database" validate:"required"`
	NATS        NATSConfig        `mapstructure:"nats" validate:"required"`
	Task        TaskConfig        `mapstructure:"task" validate:"required"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" validate:"required"`
	LLM         LLMConfig         `mapstructure:"llm" validate:"required"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	// AutoMigrate applies pending migrations when the server starts.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// NATSConfig configures the JetStream subscription that delivers object events.
type NATSConfig struct {
	URL         string        `mapstructure:"url" validate:"required,url"`
	Subject     string        `mapstructure:"subject" validate:"required"`
	Stream      string        `mapstructure:"stream" validate:"required"`
	Durable     string        `mapstructure:"durable" validate:"required"`
	QueueGroup  string        `mapstructure:"queue_group" validate:"required"`
	Subscribers int           `mapstructure:"subscribers" validate:"gte=1"`
	AckWait     time.Duration `mapstructure:"ack_wait" validate:"gt=0"`
	MaxDeliver  int           `mapstructure:"max_deliver" validate:"gte=1"`
	// DLQSubject receives events that can never succeed. Empty disables the dead letter queue.
	DLQSubject string `mapstructure:"dlq_subject"`
}

// TaskConfig configures the durable task runtime and the controller's calls into it.
type TaskConfig struct {
	WorkerCount            int           `mapstructure:"worker_count" validate:"gte=1"`
	QueueSize              int           `mapstructure:"queue_size" validate:"gte=1"`
	CallTimeout            time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gt=0"`
	MaxAttempts            int           `mapstructure:"max_attempts" validate:"gte=1"`
}

// ObjectStoreConfig contains the S3-compatible endpoint holding uploaded objects.
type ObjectStoreConfig struct {
	Endpoint        string `mapstructure:"endpoint" validate:"required"`
	AccessKeyID     string `mapstructure:"access_key_id" validate:"required"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required"`
	// Bucket is used when an event does not name one.
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	UseSSL bool   `mapstructure:"use_ssl"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey       string  `mapstructure:"gemini_api_key" validate:"required"`
	ModelName          string  `mapstructure:"model_name" validate:"required"`
	PromptTemplatePath string  `mapstructure:"prompt_template_path"`
	MaxRetries         int     `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelaySeconds  int     `mapstructure:"retry_delay_seconds" validate:"gte=1"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second" validate:"gt=0"`
}

// TracingConfig configures OpenTelemetry export. An empty endpoint disables export.
type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}
