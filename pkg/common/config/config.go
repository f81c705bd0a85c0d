package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort      string
	ServerHost      string
	WorkerPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRequestBody  int64
	SubmitRateRPS   int
	SubmitRateBurst int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers    []string
	KafkaGroupID    string
	JobsTopic       string
	JobsDLQTopic    string
	ResultsTopic    string
	KafkaBatchBytes int64

	// Pipeline
	// PipelineMode is "kafka" (jobs go to the job topic) or "local" (jobs run
	// in the API process).
	PipelineMode         string
	DetectMinConfidence  float64
	MappingMinConfidence float64
	MaxRowLossFraction   float64
	ChunkSize            int
	WorkerCount          int
	JobTimeout           time.Duration
	StatusCacheTTL       time.Duration

	// Persistence retry
	PersistAttempts  int
	PersistBaseDelay time.Duration
	PersistMaxDelay  time.Duration

	// Hashing / pseudonymization
	PseudonymKey        string
	HashingServiceURL   string
	HashingClientID     string
	HashingClientSecret string
	HashingTokenURL     string
	HashingTimeout      time.Duration

	// Policy files
	DLPRulesPath    string
	TerminologyPath string
	ZipPolicyPath   string
}

func Load() *Config {
	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8081"),
		ServerHost:      getEnv("SERVER_HOST", "0.0.0.0"),
		WorkerPort:      getEnv("WORKER_PORT", "8084"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody:  int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 32*1024*1024)),
		SubmitRateRPS:   getIntEnv("SUBMIT_RATE_LIMIT_RPS", 20),
		SubmitRateBurst: getIntEnv("SUBMIT_RATE_LIMIT_BURST", 40),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "mist"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "mist123"),
		PostgresDB:       getEnv("POSTGRES_DB", "mist"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "mdf-pipeline"),
		JobsTopic:       getEnv("KAFKA_JOBS_TOPIC", "pipeline-jobs"),
		JobsDLQTopic:    getEnv("KAFKA_JOBS_DLQ_TOPIC", "pipeline-jobs-dlq"),
		ResultsTopic:    getEnv("KAFKA_RESULTS_TOPIC", "pipeline-results"),
		KafkaBatchBytes: int64(getIntEnv("KAFKA_BATCH_BYTES", 48*1024*1024)),

		PipelineMode:         getEnv("PIPELINE_MODE", "kafka"),
		DetectMinConfidence:  getFloatEnv("DETECT_MIN_CONFIDENCE", 0.6),
		MappingMinConfidence: getFloatEnv("MAPPING_MIN_CONFIDENCE", 0.5),
		MaxRowLossFraction:   getFloatEnv("MAX_ROW_LOSS_FRACTION", 0.5),
		ChunkSize:            getIntEnv("CHUNK_SIZE", 500),
		WorkerCount:          getIntEnv("WORKER_COUNT", 4),
		JobTimeout:           getDuration("JOB_TIMEOUT", 30*time.Minute),
		StatusCacheTTL:       getDuration("STATUS_CACHE_TTL", 24*time.Hour),

		PersistAttempts:  getIntEnv("PERSIST_ATTEMPTS", 5),
		PersistBaseDelay: getDuration("PERSIST_BASE_DELAY", 200*time.Millisecond),
		PersistMaxDelay:  getDuration("PERSIST_MAX_DELAY", 2*time.Second),

		PseudonymKey:        getEnv("PSEUDONYM_KEY", ""),
		HashingServiceURL:   getEnv("HASHING_SERVICE_URL", ""),
		HashingClientID:     getEnv("HASHING_CLIENT_ID", ""),
		HashingClientSecret: getEnv("HASHING_CLIENT_SECRET", ""),
		HashingTokenURL:     getEnv("HASHING_TOKEN_URL", ""),
		HashingTimeout:      getDuration("HASHING_TIMEOUT", 5*time.Second),

		DLPRulesPath:    getEnv("DLP_RULES_PATH", ""),
		TerminologyPath: getEnv("TERMINOLOGY_PATH", ""),
		ZipPolicyPath:   getEnv("ZIP_POLICY_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
