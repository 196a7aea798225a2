package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Transfer *transferConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"sqlite"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"proxmove.db"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address        string   `envconfig:"PROXMOVE_ADDRESS" default:":3443"`
	MetricsAddress string   `envconfig:"PROXMOVE_METRICS_ADDRESS" default:":8080"`
	BaseUrl        string   `envconfig:"PROXMOVE_BASE_URL" default:"http://localhost:3443"`
	LogLevel       string   `envconfig:"PROXMOVE_LOG_LEVEL" default:"info"`
	CorsOrigins    []string `envconfig:"PROXMOVE_CORS_ORIGINS" default:"http://localhost:3000"`
	Kafka          kafkaConfig
}

// transferConfig holds the knobs of the migration engine itself.
type transferConfig struct {
	// Upper bound of the per-job disk worker pool; the effective pool is the
	// smaller of this and the job's disk count.
	WorkerCap int `envconfig:"PROXMOVE_WORKER_CAP" default:"2"`
	// Chunk size of file-based copies. Cancellation and resume offsets are
	// only observed at chunk boundaries.
	ChunkSizeBytes int64         `envconfig:"PROXMOVE_CHUNK_SIZE_BYTES" default:"4194304"`
	MaxRetries     uint64        `envconfig:"PROXMOVE_MAX_RETRIES" default:"4"`
	RetryBackoff   time.Duration `envconfig:"PROXMOVE_RETRY_BACKOFF" default:"2s"`
	JobTimeout     time.Duration `envconfig:"PROXMOVE_JOB_TIMEOUT" default:"12h"`
	// How long to wait for a running source VM to shut down before the job
	// is failed.
	ShutdownTimeout time.Duration `envconfig:"PROXMOVE_SHUTDOWN_TIMEOUT" default:"5m"`
	CommandTimeout  time.Duration `envconfig:"PROXMOVE_COMMAND_TIMEOUT" default:"10m"`
	// Verify file-based transfers with a remote sha256 in addition to the
	// size check. Block backends have no cheap checksum and always rely on
	// the size check alone.
	VerifyChecksum bool          `envconfig:"PROXMOVE_VERIFY_CHECKSUM" default:"false"`
	SSHPort        int           `envconfig:"PROXMOVE_SSH_PORT" default:"22"`
	SSHDialTimeout time.Duration `envconfig:"PROXMOVE_SSH_DIAL_TIMEOUT" default:"30s"`
}

type kafkaConfig struct {
	Brokers  []string `envconfig:"PROXMOVE_KAFKA_BROKERS" default:""`
	Topic    string   `envconfig:"PROXMOVE_KAFKA_TOPIC" default:""`
	Version  string   `envconfig:"PROXMOVE_KAFKA_VERSION" default:""`
	ClientID string   `envconfig:"PROXMOVE_KAFKA_CLIENT_ID" default:""`
}

func (k kafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Brokers[0] != ""
}

// NewDefault builds a config from defaults only, without touching the
// process environment. The in-memory database makes it suitable for tests.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{Type: "sqlite", Name: ":memory:"},
		Service: &svcConfig{
			Address:        ":3443",
			MetricsAddress: ":8080",
			BaseUrl:        "http://localhost:3443",
			LogLevel:       "info",
		},
		Transfer: &transferConfig{
			WorkerCap:       2,
			ChunkSizeBytes:  4 << 20,
			MaxRetries:      4,
			RetryBackoff:    2 * time.Second,
			JobTimeout:      12 * time.Hour,
			ShutdownTimeout: 5 * time.Minute,
			CommandTimeout:  10 * time.Minute,
			SSHPort:         22,
			SSHDialTimeout:  30 * time.Second,
		},
	}
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}
