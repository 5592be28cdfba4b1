package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Vector index backends selectable with VECTOR_INDEX.
const (
	IndexPGVector = "pgvector"
	IndexQdrant   = "qdrant"
	IndexMemory   = "memory"
)

type Config struct {
	DatabaseURL  string
	SslCertPath  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	S3Endpoint   string
	AIAPIKey     string
	EmbedModel   string
	EmbedDim     int
	GenModel     string
	Port         string
	JWTSecret    string
	CORSOrigins  []string

	LogLevel  string
	LogFormat string

	VectorIndex      string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EmbedCacheTTL time.Duration

	Ingest    IngestSettings
	Retrieval RetrievalSettings

	// Warnings collects malformed values that fell back to defaults.
	// They are logged once the logger exists.
	Warnings []string
}

// IngestSettings are the pipeline tunables.
type IngestSettings struct {
	Workers           int
	ChunkSize         int
	ChunkOverlap      int
	BatchSize         int
	BatchDelay        time.Duration
	TimeoutBaseline   time.Duration
	TimeoutPerBatch   time.Duration
	TimeoutMultiplier float64
	TimeoutCap        time.Duration
	LargePDFBytes     int64
	PDFPageBatch      int
}

// RetrievalSettings are the query-side tunables.
type RetrievalSettings struct {
	PrimaryTopK      int
	ExpansionTopK    int
	ExpansionTimeout time.Duration
	DefaultLimit     int
}

// LoadConfig loads the environment variables (and .env if present) and returns config
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadConfigFile is LoadConfig with an explicit .env path.
func LoadConfigFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	l := &loader{}
	cfg := &Config{
		DatabaseURL:  l.str("DATABASE_URL", ""),
		SslCertPath:  l.str("SSL_CERT_PATH", ""),
		AwsAccessKey: l.str("AWS_ACCESS_KEY", ""),
		AwsSecretKey: l.str("AWS_SECRET_KEY", ""),
		AwsRegion:    l.str("AWS_REGION", "us-east-2"),
		BucketName:   l.str("BUCKET_NAME", "docsense-docs"),
		S3Endpoint:   l.str("S3_ENDPOINT", ""),
		AIAPIKey:     l.str("GEMINI_API_KEY", ""),
		EmbedModel:   l.str("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:     l.integer("EMBED_DIM", 768),
		GenModel:     l.str("GEN_MODEL", "gemini-1.5-flash"),
		Port:         l.str("PORT", "8080"),
		JWTSecret:    l.str("JWT_SECRET", ""),
		CORSOrigins:  l.list("CORS_ORIGINS", []string{"http://localhost:5173"}),

		LogLevel:  l.str("LOG_LEVEL", "info"),
		LogFormat: l.str("LOG_FORMAT", "console"),

		VectorIndex:      strings.ToLower(l.str("VECTOR_INDEX", IndexPGVector)),
		QdrantURL:        l.str("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:     l.str("QDRANT_API_KEY", ""),
		QdrantCollection: l.str("QDRANT_COLLECTION", "passages"),

		RedisAddr:     l.str("REDIS_ADDR", ""),
		RedisPassword: l.str("REDIS_PASSWORD", ""),
		RedisDB:       l.integer("REDIS_DB", 0),
		EmbedCacheTTL: l.duration("EMBED_CACHE_TTL", 24*time.Hour),

		Ingest: IngestSettings{
			Workers:           l.integer("INGEST_WORKERS", 2),
			ChunkSize:         l.integer("CHUNK_SIZE", 1000),
			ChunkOverlap:      l.integer("CHUNK_OVERLAP", 200),
			BatchSize:         l.integer("EMBED_BATCH_SIZE", 5),
			BatchDelay:        l.duration("EMBED_BATCH_DELAY", 2*time.Second),
			TimeoutBaseline:   l.duration("TIMEOUT_BASELINE", 5*time.Minute),
			TimeoutPerBatch:   l.duration("TIMEOUT_PER_BATCH", 5*time.Second),
			TimeoutMultiplier: l.number("TIMEOUT_MULTIPLIER", 1.5),
			TimeoutCap:        l.duration("TIMEOUT_CAP", 30*time.Minute),
			LargePDFBytes:     int64(l.integer("LARGE_PDF_BYTES", 2*1024*1024)),
			PDFPageBatch:      l.integer("PDF_PAGE_BATCH", 10),
		},
		Retrieval: RetrievalSettings{
			PrimaryTopK:      l.integer("PRIMARY_TOP_K", 50),
			ExpansionTopK:    l.integer("EXPANSION_TOP_K", 30),
			ExpansionTimeout: l.duration("EXPANSION_TIMEOUT", 10*time.Second),
			DefaultLimit:     l.integer("RETRIEVAL_DEFAULT_LIMIT", 10),
		},
	}
	cfg.Warnings = l.warnings

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error
	switch c.VectorIndex {
	case IndexPGVector, IndexMemory:
	case IndexQdrant:
		if c.QdrantURL == "" {
			errs = append(errs, errors.New("QDRANT_URL not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("VECTOR_INDEX %q is not one of pgvector, qdrant, memory", c.VectorIndex))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, errors.New("CHUNK_OVERLAP must be in [0, CHUNK_SIZE)"))
	}
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, errors.New("EMBED_BATCH_SIZE must be positive"))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("INGEST_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

// loader reads typed values and remembers the ones it could not parse.
type loader struct {
	warnings []string
}

func (l *loader) warn(key, val, kind string, def any) {
	l.warnings = append(l.warnings, fmt.Sprintf("%s=%q not %s, using default %v", key, val, kind, def))
}

func (l *loader) str(key, fallback string) string {
	return getEnv(key, fallback)
}

func (l *loader) integer(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.warn(key, v, "an int", def)
		return def
	}
	return n
}

func (l *loader) number(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.warn(key, v, "a number", def)
		return def
	}
	return f
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	l.warn(key, v, "a duration", def)
	return def
}

func (l *loader) list(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
