// Package config loads docchat settings. Sources are applied in order:
// built-in defaults, an optional YAML file, a .env file, then environment
// variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/docchat/engine/domain"
)

// PathEnv names the variable consulted when Load is given no path.
const PathEnv = "DOCCHAT_CONFIG"

// LLM providers.
const (
	ProviderOllama = "ollama"
	ProviderGroq   = "groq"
)

// Vector backends.
const (
	BackendQdrant = "qdrant"
	BackendMemory = "memory"
)

// Config is the full application configuration.
type Config struct {
	ChunkSize           int     `yaml:"chunk_size"`
	ChunkOverlap        int     `yaml:"chunk_overlap"`
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxMemoryMessages   int     `yaml:"max_memory_messages"`
	MaxSearchResults    int     `yaml:"max_search_results"`

	// Provider selects the chat, classification and vision backend.
	// Embeddings always come from Ollama.
	Provider string `yaml:"provider"`

	Ollama    OllamaConfig    `yaml:"ollama"`
	Groq      GroqConfig      `yaml:"groq"`
	WebSearch WebSearchConfig `yaml:"web_search"`
	Vector    VectorConfig    `yaml:"vector"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	NATS      NATSConfig      `yaml:"nats"`
	Server    ServerConfig    `yaml:"server"`
	OCR       OCRConfig       `yaml:"ocr"`
}

type OllamaConfig struct {
	URL         string `yaml:"url"`
	EmbedModel  string `yaml:"embed_model"`
	ChatModel   string `yaml:"chat_model"`
	VisionModel string `yaml:"vision_model"`
}

type GroqConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	ChatModel   string `yaml:"chat_model"`
	VisionModel string `yaml:"vision_model"`
}

type WebSearchConfig struct {
	Enabled       bool    `yaml:"enabled"`
	APIKey        string  `yaml:"api_key"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type VectorConfig struct {
	Backend    string `yaml:"backend"`
	QdrantAddr string `yaml:"qdrant_addr"`
	Collection string `yaml:"collection"`
}

// Neo4jConfig configures the document catalog. An empty URL disables it.
type Neo4jConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Database names the Neo4j database; empty uses the server default.
	Database string `yaml:"database"`
}

// NATSConfig configures the ingest queue. An empty URL disables it.
type NATSConfig struct {
	URL        string `yaml:"url"`
	MaxRetries int    `yaml:"max_retries"`
}

type ServerConfig struct {
	Port          string        `yaml:"port"`
	CORSOrigin    string        `yaml:"cors_origin"`
	MaxUploadMB   int           `yaml:"max_upload_mb"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// OCRConfig enables Tesseract OCR for images when Enabled is set.
type OCRConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Language string `yaml:"language"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ChunkSize:           500,
		ChunkOverlap:        50,
		TopK:                5,
		SimilarityThreshold: 0.3,
		MaxMemoryMessages:   20,
		MaxSearchResults:    5,
		Provider:            ProviderOllama,
		Ollama: OllamaConfig{
			URL:         "http://localhost:11434",
			EmbedModel:  "nomic-embed-text",
			ChatModel:   "llama3.1:8b",
			VisionModel: "llava",
		},
		Groq: GroqConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			ChatModel:   "llama-3.3-70b-versatile",
			VisionModel: "llama-3.2-90b-vision-preview",
		},
		WebSearch: WebSearchConfig{Enabled: true, RatePerSecond: 2},
		Vector: VectorConfig{
			Backend:    BackendQdrant,
			QdrantAddr: "localhost:6334",
			Collection: "docchat",
		},
		Neo4j:  Neo4jConfig{User: "neo4j", Password: "password"},
		NATS:   NATSConfig{MaxRetries: 3},
		Server: ServerConfig{Port: "8080", CORSOrigin: "*", MaxUploadMB: 50, SearchTimeout: 15 * time.Second},
		OCR:    OCRConfig{Path: "tesseract", Language: "eng"},
	}
}

// Load builds a validated Config. path may be empty, in which case
// DOCCHAT_CONFIG is consulted; a named file that does not exist is an error.
// A .env file in the working directory is loaded if present and never
// overrides variables already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and required credentials.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, reason string) { errs = append(errs, domain.NewConfigError(field, reason)) }

	if c.ChunkSize <= 0 {
		bad("chunk_size", "must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		bad("chunk_overlap", "must be in [0, chunk_size)")
	}
	if c.TopK <= 0 {
		bad("top_k", "must be positive")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		bad("similarity_threshold", "must be in [0, 1]")
	}
	if c.MaxMemoryMessages <= 0 {
		bad("max_memory_messages", "must be positive")
	}
	if c.MaxSearchResults <= 0 {
		bad("max_search_results", "must be positive")
	}
	switch c.Provider {
	case ProviderOllama:
	case ProviderGroq:
		if c.Groq.APIKey == "" {
			errs = append(errs, fmt.Errorf("config: GROQ_API_KEY: %w", domain.ErrMissingCredential))
		}
	default:
		bad("provider", fmt.Sprintf("unknown provider %q", c.Provider))
	}
	if c.WebSearch.Enabled && c.WebSearch.APIKey == "" {
		errs = append(errs, fmt.Errorf("config: TAVILY_API_KEY: %w", domain.ErrMissingCredential))
	}
	switch c.Vector.Backend {
	case BackendQdrant, BackendMemory:
	default:
		bad("vector.backend", fmt.Sprintf("unknown backend %q", c.Vector.Backend))
	}
	if c.NATS.MaxRetries < 0 {
		bad("nats.max_retries", "must not be negative")
	}
	return errors.Join(errs...)
}

// MaxUploadBytes returns the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// applyEnv overrides fields from environment variables.
func applyEnv(c *Config) error {
	e := envReader{}
	e.setInt(&c.ChunkSize, "CHUNK_SIZE")
	e.setInt(&c.ChunkOverlap, "CHUNK_OVERLAP")
	e.setInt(&c.TopK, "TOP_K")
	e.setFloat(&c.SimilarityThreshold, "SIMILARITY_THRESHOLD")
	e.setInt(&c.MaxMemoryMessages, "MAX_MEMORY_MESSAGES")
	e.setInt(&c.MaxSearchResults, "MAX_SEARCH_RESULTS")
	e.setStr(&c.Provider, "LLM_PROVIDER")

	e.setStr(&c.Ollama.URL, "OLLAMA_URL")
	e.setStr(&c.Ollama.EmbedModel, "EMBED_MODEL")
	e.setStr(&c.Ollama.ChatModel, "CHAT_MODEL")
	e.setStr(&c.Ollama.VisionModel, "VISION_MODEL")

	e.setStr(&c.Groq.BaseURL, "GROQ_BASE_URL")
	e.setStr(&c.Groq.APIKey, "GROQ_API_KEY")
	e.setStr(&c.Groq.ChatModel, "GROQ_MODEL")
	e.setStr(&c.Groq.VisionModel, "GROQ_VISION_MODEL")

	e.setBool(&c.WebSearch.Enabled, "WEB_SEARCH")
	e.setStr(&c.WebSearch.APIKey, "TAVILY_API_KEY")

	e.setStr(&c.Vector.Backend, "VECTOR_BACKEND")
	e.setStr(&c.Vector.QdrantAddr, "QDRANT_URL")
	e.setStr(&c.Vector.Collection, "QDRANT_COLLECTION")

	e.setStr(&c.Neo4j.URL, "NEO4J_URL")
	e.setStr(&c.Neo4j.User, "NEO4J_USER")
	e.setStr(&c.Neo4j.Password, "NEO4J_PASS")
	e.setStr(&c.Neo4j.Database, "NEO4J_DATABASE")

	e.setStr(&c.NATS.URL, "NATS_URL")
	e.setInt(&c.NATS.MaxRetries, "NATS_MAX_RETRIES")

	e.setStr(&c.Server.Port, "PORT")
	e.setStr(&c.Server.CORSOrigin, "CORS_ORIGIN")
	e.setInt(&c.Server.MaxUploadMB, "MAX_UPLOAD_MB")
	e.setDuration(&c.Server.SearchTimeout, "SEARCH_TIMEOUT")

	e.setBool(&c.OCR.Enabled, "OCR_ENABLED")
	e.setStr(&c.OCR.Path, "TESSERACT_PATH")
	return errors.Join(e.errs...)
}

// envReader applies set, non-empty variables and collects parse errors.
type envReader struct{ errs []error }

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, domain.NewConfigError(key, fmt.Sprintf("cannot parse %q: %v", v, err)))
}

func (e *envReader) setStr(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(dst *float64, key string) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
