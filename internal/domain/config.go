package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Tier determines feature availability
	Tier Tier `koanf:"tier" validate:"oneof=community pro"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus"`

	// Scoring pipeline
	History  HistoryConfig  `koanf:"history"`
	Signals  SignalConfig   `koanf:"signals"`
	Scoring  ScoringConfig  `koanf:"scoring"`
	Behavior BehaviorConfig `koanf:"behavior"`
	Network  NetworkConfig  `koanf:"network"`
	Models   ModelsConfig   `koanf:"models"`
	Alerts   AlertConfig    `koanf:"alerts"`
	Notifier NotifierConfig `koanf:"notifier"`
	Worker   WorkerConfig   `koanf:"worker"`

	// SeedDefaultRules installs the default rule set for tenants with no rules.
	SeedDefaultRules bool `koanf:"seeddefaultrules"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"readtimeout"`
	WriteTimeout    time.Duration `koanf:"writetimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout"`

	// Per-tenant token bucket
	RateLimitRPS   float64 `koanf:"ratelimitrps" validate:"gte=0"`
	RateLimitBurst int     `koanf:"ratelimitburst" validate:"gte=0"`
}

// HistoryConfig bounds the history loaded for one evaluation.
type HistoryConfig struct {
	MemberWindow   time.Duration `koanf:"memberwindow"`
	ProviderWindow time.Duration `koanf:"providerwindow"`
	LookupTTL      time.Duration `koanf:"lookupttl"`
}

// SignalConfig tunes the factor calculators and pattern detectors.
type SignalConfig struct {
	FrequencyThreshold int           `koanf:"frequencythreshold"`
	FrequencyWindow    time.Duration `koanf:"frequencywindow"`
	DuplicateWindow    time.Duration `koanf:"duplicatewindow"`

	// BundledPairs lists procedure code pairs, "A:B", that must not be billed together.
	BundledPairs []string `koanf:"bundledpairs"`
}

// ScoringConfig holds indicator weights.
type ScoringConfig struct {
	FactorWeights  map[string]float64 `koanf:"factorweights"`
	DetectorWeight float64            `koanf:"detectorweight"`
	BehaviorWeight float64            `koanf:"behaviorweight"`
	NetworkWeight  float64            `koanf:"networkweight"`
	ModelWeight    float64            `koanf:"modelweight"`
}

// BehaviorConfig tunes the behavioral profiler.
type BehaviorConfig struct {
	Alpha      float64       `koanf:"alpha" validate:"gt=0,lte=1"`
	MaxRetries int           `koanf:"maxretries"`
	CacheTTL   time.Duration `koanf:"cachettl"`
}

// NetworkConfig bounds graph traversal.
type NetworkConfig struct {
	MaxDepth int           `koanf:"maxdepth" validate:"min=1,max=6"`
	MaxNodes int           `koanf:"maxnodes" validate:"min=2"`
	Window   time.Duration `koanf:"window"`
	Timeout  time.Duration `koanf:"timeout"`
}

// ModelsConfig lists the external predictors.
type ModelsConfig struct {
	Timeout   time.Duration `koanf:"timeout"`
	Endpoints []ModelConfig `koanf:"endpoints" validate:"dive"`
}

// ModelConfig registers a single predictor.
type ModelConfig struct {
	ID          string        `koanf:"id" validate:"required"`
	Transport   string        `koanf:"transport" validate:"oneof=bus http"`
	URL         string        `koanf:"url" validate:"required_if=Transport http"`
	Timeout     time.Duration `koanf:"timeout"`
	AsIndicator bool          `koanf:"asindicator"`
}

// AlertConfig controls alert creation and notification dispatch.
type AlertConfig struct {
	Floor     RiskLevel `koanf:"floor" validate:"oneof=LOW MEDIUM HIGH CRITICAL"`
	QueueSize int       `koanf:"queuesize"`
	Workers   int       `koanf:"workers"`
}

// NotifierConfig selects the notification channel.
type NotifierConfig struct {
	// Type is one of: log, bus, kafka, webhook
	Type string `koanf:"type" validate:"omitempty,oneof=log bus kafka webhook"`

	KafkaBrokers []string `koanf:"kafkabrokers" validate:"required_if=Type kafka"`
	KafkaTopic   string   `koanf:"kafkatopic"`

	WebhookURL     string        `koanf:"webhookurl" validate:"required_if=Type webhook"`
	WebhookTimeout time.Duration `koanf:"webhooktimeout"`
}

// WorkerConfig controls asynchronous evaluation of submitted claims.
type WorkerConfig struct {
	Enabled bool `koanf:"enabled"`

	// Tenants to subscribe for. Empty subscribes the shared "_global" queue.
	Tenants []string `koanf:"tenants"`

	// Concurrency caps in-flight evaluations across all subscriptions.
	Concurrency int `koanf:"concurrency" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"servicename"`

	// OTLP gRPC collector address
	Endpoint   string  `koanf:"endpoint" validate:"required_if=Enabled true"`
	SampleRate float64 `koanf:"samplerate" validate:"gte=0,lte=1"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultFactorWeights are the per-factor indicator weights.
func DefaultFactorWeights() map[string]float64 {
	return map[string]float64{
		FactorFrequency:  0.15,
		FactorAmount:     0.20,
		FactorProvider:   0.15,
		FactorDiagnosis:  0.15,
		FactorGeographic: 0.10,
		FactorTemporal:   0.10,
		FactorBehavioral: 0.15,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    200,
			RateLimitBurst:  400,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		History: HistoryConfig{
			MemberWindow:   365 * 24 * time.Hour,
			ProviderWindow: 90 * 24 * time.Hour,
			LookupTTL:      5 * time.Minute,
		},
		Signals: SignalConfig{
			FrequencyThreshold: 20,
			FrequencyWindow:    30 * 24 * time.Hour,
			DuplicateWindow:    7 * 24 * time.Hour,
			BundledPairs: []string{
				"80053:80048", // comprehensive and basic metabolic panels
				"80053:82947", // metabolic panel and glucose
				"85025:85027", // CBC with and without differential
				"93000:93005", // ECG with and without interpretation
				"99213:36415", // office visit and routine venipuncture
			},
		},
		Scoring: ScoringConfig{
			FactorWeights:  DefaultFactorWeights(),
			DetectorWeight: 0.25,
			BehaviorWeight: 0.10,
			NetworkWeight:  0.15,
			ModelWeight:    0.20,
		},
		Behavior: BehaviorConfig{
			Alpha:      0.2,
			MaxRetries: 3,
			CacheTTL:   10 * time.Minute,
		},
		Network: NetworkConfig{
			MaxDepth: 2,
			MaxNodes: 200,
			Window:   180 * 24 * time.Hour,
			Timeout:  2 * time.Second,
		},
		Models: ModelsConfig{
			Timeout: 800 * time.Millisecond,
		},
		Alerts: AlertConfig{
			Floor:     RiskMedium,
			QueueSize: 1024,
			Workers:   4,
		},
		Notifier: NotifierConfig{
			Type:           "log",
			KafkaTopic:     "kestrel.alerts",
			WebhookTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 8,
		},
		SeedDefaultRules: true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Endpoint:    "localhost:4317",
			SampleRate:  1,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Notifier.Type = "bus"
	cfg.Tracing.Enabled = true
	return cfg
}
