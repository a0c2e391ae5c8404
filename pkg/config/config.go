package config

import (
	"os"
	"strconv"
)

type Config struct {
	SearchAPIKey  string
	SearchBaseURL string
	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string

	LLMMaxAttempts    int
	LLMInitialDelayMs int
	LLMExponential    bool

	SearchRateIntervalMs int

	ResearchDepth   int
	ResearchBreadth int

	MemoryDepth string // short, medium or long

	ClassifierEnabled   bool
	ClassifierCharacter string

	EmbeddingAPIKey    string
	EmbeddingModel     string
	EmbeddingDimension int

	// MemoryBackend selects the long-term persistence layer: "pgvector",
	// "chromem" or "none".
	MemoryBackend    string
	MemoryPersistDir string

	DatabaseURL string
	Port        string
}

func Load() *Config {
	return &Config{
		SearchAPIKey:  getEnv("BRAVE_API_KEY", ""),
		SearchBaseURL: getEnv("SEARCH_BASE_URL", "https://api.search.brave.com/res/v1"),
		LLMAPIKey:     getEnv("VENICE_API_KEY", ""),
		LLMBaseURL:    getEnv("LLM_BASE_URL", "https://api.venice.ai/api/v1"),
		LLMModel:      getEnv("LLM_MODEL", "llama-3.3-70b"),

		LLMMaxAttempts:    getEnvAsInt("LLM_MAX_ATTEMPTS", 3),
		LLMInitialDelayMs: getEnvAsInt("LLM_INITIAL_DELAY_MS", 1000),
		LLMExponential:    getEnvAsBool("LLM_EXPONENTIAL_BACKOFF", true),

		SearchRateIntervalMs: getEnvAsInt("SEARCH_RATE_INTERVAL_MS", 10000),

		ResearchDepth:   getEnvAsInt("RESEARCH_DEPTH", 2),
		ResearchBreadth: getEnvAsInt("RESEARCH_BREADTH", 3),

		MemoryDepth: getEnv("MEMORY_DEPTH", "medium"),

		ClassifierEnabled:   getEnvAsBool("CLASSIFIER_ENABLED", false),
		ClassifierCharacter: getEnv("CLASSIFIER_CHARACTER", "token-classifier"),

		EmbeddingAPIKey:    getEnv("GEMINI_API_KEY", ""),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
		EmbeddingDimension: getEnvAsInt("EMBEDDING_DIMENSION", 1536),

		MemoryBackend:    getEnv("MEMORY_BACKEND", "chromem"),
		MemoryPersistDir: getEnv("MEMORY_PERSIST_DIR", ".memory"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		Port:        getEnv("PORT", "3000"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
