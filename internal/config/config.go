// Package config loads substrate configuration from the environment,
// following the enumerated option table of the specification.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for a single substrate node.
type Config struct {
	Node      NodeConfig      `json:"node"`
	Consensus ConsensusConfig `json:"consensus"`
	Security  SecurityConfig  `json:"security"`
	Detector  DetectorConfig  `json:"detector"`
	PerfOpt   PerfOptConfig   `json:"perf_opt"`
	Logging   LoggingConfig   `json:"logging"`
	Redis     RedisConfig     `json:"redis"`
	NATS      NATSConfig      `json:"nats"`
}

// NodeConfig identifies this node within the cluster.
type NodeConfig struct {
	ID    string   `json:"id"`
	Peers []string `json:"peers"`
}

// ConsensusConfig covers the options in spec §6's configuration table that
// govern PBFT and Raft.
type ConsensusConfig struct {
	TotalAgents         int           `json:"total_agents"`
	ConsensusTimeout    time.Duration `json:"consensus_timeout"`
	ElectionTimeoutMin  time.Duration `json:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `json:"election_timeout_max"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	CheckpointInterval  int           `json:"checkpoint_interval"`
	MaxOperationHistory int           `json:"max_operation_history"`
	ReplicationFactor   int           `json:"replication_factor"`
	ConflictResolution  string        `json:"conflict_resolution"` // last-writer-wins | vector-clock | consensus-based
	MinTrustLevel       string        `json:"min_trust_level"`
	MaxRetainedSnapshots int          `json:"max_retained_snapshots"`
	MaxConsecutiveTerms int           `json:"max_consecutive_terms"`
}

// SecurityConfig covers the A2A security manager.
type SecurityConfig struct {
	RequireEncryption   bool          `json:"require_encryption"`
	KeyRotationInterval time.Duration `json:"key_rotation_interval"`
	DDosProtection      bool          `json:"ddos_protection"`
	SessionTTL          time.Duration `json:"session_ttl"`
	MessageTTL          time.Duration `json:"message_ttl"`
	RateLimitPerSecond  float64       `json:"rate_limit_per_second"`
	RateLimitBurst      int           `json:"rate_limit_burst"`
	CircuitRecoveryTime time.Duration `json:"circuit_recovery_time"`
	MaxNonceEntries     int           `json:"max_nonce_entries"`
}

// DetectorConfig covers the malicious-behaviour detector.
type DetectorConfig struct {
	Enabled            bool          `json:"enabled"`
	WindowSize         time.Duration `json:"window_size"`
	MaxMessagesPerWindow int         `json:"max_messages_per_window"`
	QuarantineThreshold float64      `json:"quarantine_threshold"`
	RehabilitationBonus float64      `json:"rehabilitation_bonus"`
	MaxBehaviourHistory int          `json:"max_behaviour_history"`
}

// PerfOptConfig covers the batching/pipelining/speculation/cache optimiser.
type PerfOptConfig struct {
	BatchSize          int           `json:"batch_size"`
	BatchTimeout       time.Duration `json:"batch_timeout"`
	PipelineDepth      int           `json:"pipeline_depth"`
	ParallelProcessing bool          `json:"parallel_processing"`
	CacheSize          int           `json:"cache_size"`
	SpeculationThreshold float64     `json:"speculation_threshold"`
	AdjustmentFactor   float64       `json:"adjustment_factor"`
	TargetLatency      time.Duration `json:"target_latency"`
	TargetThroughput   float64       `json:"target_throughput"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `json:"level"`
}

// RedisConfig configures the optional Redis-backed durable storage hook
// (internal/storage). A node with no Redis configured runs purely
// in-memory; Storage stays nil and snapshots/log never survive a restart.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NATSConfig configures the optional NATS relay that republishes a subset
// of internal/events traffic externally. A node with no URL configured
// runs the event bus purely in-process; no relay is constructed.
type NATSConfig struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

// Load loads configuration from environment variables, falling back to
// conservative defaults for a small cluster.
func Load() *Config {
	return &Config{
		Node: NodeConfig{
			ID:    getEnv("NODE_ID", "node-1"),
			Peers: splitCSV(getEnv("NODE_PEERS", "")),
		},
		Consensus: ConsensusConfig{
			TotalAgents:          getEnvInt("TOTAL_AGENTS", 4),
			ConsensusTimeout:     getEnvDuration("CONSENSUS_TIMEOUT", 30*time.Second),
			ElectionTimeoutMin:   getEnvDuration("ELECTION_TIMEOUT_MIN", 150*time.Millisecond),
			ElectionTimeoutMax:   getEnvDuration("ELECTION_TIMEOUT_MAX", 300*time.Millisecond),
			HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 50*time.Millisecond),
			CheckpointInterval:   getEnvInt("CHECKPOINT_INTERVAL", 100),
			MaxOperationHistory:  getEnvInt("MAX_OPERATION_HISTORY", 10000),
			ReplicationFactor:    getEnvInt("REPLICATION_FACTOR", 3),
			ConflictResolution:   getEnv("CONFLICT_RESOLUTION", "last-writer-wins"),
			MinTrustLevel:        getEnv("MIN_TRUST_LEVEL", "basic"),
			MaxRetainedSnapshots: getEnvInt("MAX_RETAINED_SNAPSHOTS", 10),
			MaxConsecutiveTerms:  getEnvInt("MAX_CONSECUTIVE_TERMS", 3),
		},
		Security: SecurityConfig{
			RequireEncryption:   getEnvBool("REQUIRE_ENCRYPTION", true),
			KeyRotationInterval: getEnvDuration("KEY_ROTATION_INTERVAL", 24*time.Hour),
			DDosProtection:      getEnvBool("DDOS_PROTECTION", true),
			SessionTTL:          getEnvDuration("SESSION_TTL", 1*time.Hour),
			MessageTTL:          getEnvDuration("MESSAGE_TTL", 30*time.Second),
			RateLimitPerSecond:  getEnvFloat("RATE_LIMIT_PER_SECOND", 50),
			RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 100),
			CircuitRecoveryTime: getEnvDuration("CIRCUIT_RECOVERY_TIME", 30*time.Second),
			MaxNonceEntries:     getEnvInt("MAX_NONCE_ENTRIES", 50000),
		},
		Detector: DetectorConfig{
			Enabled:              getEnvBool("DETECTOR_ENABLED", true),
			WindowSize:           getEnvDuration("DETECTOR_WINDOW", 5*time.Minute),
			MaxMessagesPerWindow: getEnvInt("DETECTOR_MAX_MESSAGES_PER_WINDOW", 100),
			QuarantineThreshold:  getEnvFloat("DETECTOR_QUARANTINE_THRESHOLD", 0.3),
			RehabilitationBonus:  getEnvFloat("DETECTOR_REHABILITATION_BONUS", 0.2),
			MaxBehaviourHistory:  getEnvInt("DETECTOR_MAX_BEHAVIOUR_HISTORY", 10000),
		},
		PerfOpt: PerfOptConfig{
			BatchSize:            getEnvInt("BATCH_SIZE", 50),
			BatchTimeout:         getEnvDuration("BATCH_TIMEOUT", 100*time.Millisecond),
			PipelineDepth:        getEnvInt("PIPELINE_DEPTH", 4),
			ParallelProcessing:   getEnvBool("PARALLEL_PROCESSING", true),
			CacheSize:            getEnvInt("CACHE_SIZE", 10000),
			SpeculationThreshold: getEnvFloat("SPECULATION_THRESHOLD", 0.8),
			AdjustmentFactor:     getEnvFloat("ADJUSTMENT_FACTOR", 0.1),
			TargetLatency:        getEnvDuration("TARGET_LATENCY", 200*time.Millisecond),
			TargetThroughput:     getEnvFloat("TARGET_THROUGHPUT", 500),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "swarmbft.events"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	return out
}
