package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Registry RegistryConfig `mapstructure:"registry"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Datasets DatasetsConfig `mapstructure:"datasets"`
	Serving  ServingConfig  `mapstructure:"serving"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the store behind the model registry and task state.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

// RedisConfig configures the spectrum cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Namespace    string        `mapstructure:"namespace"`
	Project      string        `mapstructure:"project"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// StorageConfig configures the object-store backends of the data gateway.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3, r2, s3compatible, minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type QdrantConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	APIKey           string `mapstructure:"api_key"`
	UseTLS           bool   `mapstructure:"use_tls"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RegistryConfig struct {
	ArtifactRoot     string `mapstructure:"artifact_root"`
	LocalFallbackDir string `mapstructure:"local_fallback_dir"`
}

// PipelineConfig holds engine-wide task defaults.
type PipelineConfig struct {
	Workers           int           `mapstructure:"workers"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	DownloadFreshness time.Duration `mapstructure:"download_freshness"`
	DownloadBlockSize int64         `mapstructure:"download_block_size"`
	DownloadRetries   int           `mapstructure:"download_retries"`
}

type DatasetsConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Directory string `mapstructure:"directory"`
}

// ServingConfig selects the models the predictor loads at start-up.
type ServingConfig struct {
	PositiveRunID  string  `mapstructure:"positive_run_id"`
	NegativeRunID  string  `mapstructure:"negative_run_id"`
	DefaultMZRange float64 `mapstructure:"default_mz_range"`
	MaxNBest       int     `mapstructure:"max_n_best"`
	SearchBackend  string  `mapstructure:"search_backend"` // cache, qdrant
}

type DeployConfig struct {
	Namespace  string `mapstructure:"namespace"`
	Image      string `mapstructure:"image"`
	Replicas   int32  `mapstructure:"replicas"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	Port       int32  `mapstructure:"port"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and hosts come from the environment.
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("registry.artifact_root", "MODEL_REGISTRY_URI")
	v.BindEnv("serving.positive_run_id", "MODEL_RUN_ID_POSITIVE")
	v.BindEnv("serving.negative_run_id", "MODEL_RUN_ID_NEGATIVE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/ms2sim.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 30*time.Second)
	v.SetDefault("redis.write_timeout", 30*time.Second)
	v.SetDefault("redis.project", "ms2sim")
	v.SetDefault("redis.batch_size", 1000)

	v.SetDefault("storage.type", "")
	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("qdrant.enabled", false)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection_prefix", "ms2sim")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "ms2sim.models")

	v.SetDefault("registry.artifact_root", "./mlruns")
	v.SetDefault("registry.local_fallback_dir", "./mlruns-local")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_delay", 10*time.Second)
	v.SetDefault("pipeline.task_timeout", 0)
	v.SetDefault("pipeline.download_freshness", 30*24*time.Hour)
	v.SetDefault("pipeline.download_block_size", 10<<20)
	v.SetDefault("pipeline.download_retries", 5)

	v.SetDefault("datasets.base_url", "https://gnps-external.ucsd.edu/gnpslibrary")
	v.SetDefault("datasets.directory", "./data")

	v.SetDefault("serving.default_mz_range", 1.0)
	v.SetDefault("serving.max_n_best", 100)
	v.SetDefault("serving.search_backend", "cache")

	v.SetDefault("deploy.namespace", "default")
	v.SetDefault("deploy.image", "ms2sim-api:latest")
	v.SetDefault("deploy.replicas", 1)
	v.SetDefault("deploy.port", 8080)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "ms2sim")
}
