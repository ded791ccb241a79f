package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates per-concern configuration so main stays lean.
type Config struct {
	Server   Server
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
	Custody  Custody
	Storage  Storage
	Chain    Chain
	Pipeline Pipeline
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
}

// Postgres captures database connection settings.
type Postgres struct {
	URL string
}

// Redis captures the run-lease backend settings.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka captures the provisioning job queue settings.
type Kafka struct {
	Brokers       []string
	JobsTopic     string
	ConsumerGroup string
}

// Custody captures the custodial wallet provider settings.
type Custody struct {
	BaseURL       string
	APIKey        string
	SigningKeyPEM string
	Timeout       time.Duration
}

// Storage captures the content-addressed storage pinning service settings.
type Storage struct {
	BaseURL    string
	APIToken   string
	GatewayURL string
	Timeout    time.Duration
}

// Chain captures registry contract settings.
type Chain struct {
	RPCURL          string
	ContractAddress string
	PrivateKeyHex   string
	ChainID         int64
	ExplorerBaseURL string
}

// Pipeline captures orchestrator-level knobs.
type Pipeline struct {
	StageTimeout   time.Duration
	LeaseTTL       time.Duration
	MaxInFlight    int
	ReaperInterval time.Duration
	StuckAfter     time.Duration
}

// FromEnv builds a Config from environment variables. A .env file, when
// present, seeds the environment first so local development needs no export
// boilerplate.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Server: Server{
			Addr:          envOr("DIDVAULT_ADDR", ":8080"),
			JWTSigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		},
		Postgres: Postgres{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envIntOr("REDIS_POOL_SIZE", 10),
			MinIdleConns: envIntOr("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDurationOr("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDurationOr("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDurationOr("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:       splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			JobsTopic:     envOr("KAFKA_JOBS_TOPIC", "didvault.provisioning.jobs"),
			ConsumerGroup: envOr("KAFKA_CONSUMER_GROUP", "didvault-provisioner"),
		},
		Custody: Custody{
			BaseURL:       envOr("CUSTODY_BASE_URL", "https://api.custody.example.com"),
			APIKey:        os.Getenv("CUSTODY_API_KEY"),
			SigningKeyPEM: os.Getenv("CUSTODY_SIGNING_KEY"),
			Timeout:       envDurationOr("CUSTODY_TIMEOUT", 30*time.Second),
		},
		Storage: Storage{
			BaseURL:    envOr("STORAGE_BASE_URL", "https://api.pinning.example.com"),
			APIToken:   os.Getenv("STORAGE_API_TOKEN"),
			GatewayURL: envOr("STORAGE_GATEWAY_URL", "https://gateway.pinning.example.com/ipfs"),
			Timeout:    envDurationOr("STORAGE_TIMEOUT", 30*time.Second),
		},
		Chain: Chain{
			RPCURL:          os.Getenv("CHAIN_RPC_URL"),
			ContractAddress: os.Getenv("REGISTRY_CONTRACT_ADDRESS"),
			PrivateKeyHex:   os.Getenv("REGISTRY_SIGNER_KEY"),
			ChainID:         int64(envIntOr("CHAIN_ID", 11155111)),
			ExplorerBaseURL: envOr("CHAIN_EXPLORER_URL", "https://sepolia.etherscan.io"),
		},
		Pipeline: Pipeline{
			StageTimeout:   envDurationOr("PIPELINE_STAGE_TIMEOUT", 2*time.Minute),
			LeaseTTL:       envDurationOr("PIPELINE_LEASE_TTL", 5*time.Minute),
			MaxInFlight:    envIntOr("PIPELINE_MAX_IN_FLIGHT", 4),
			ReaperInterval: envDurationOr("PIPELINE_REAPER_INTERVAL", time.Minute),
			StuckAfter:     envDurationOr("PIPELINE_STUCK_AFTER", 10*time.Minute),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
