package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/docsense")

	cfg, err := fromEnv()
	require.NoError(t, err)

	assert.Equal(t, IndexPGVector, cfg.VectorIndex)
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
	assert.Equal(t, 200, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 5, cfg.Ingest.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Ingest.BatchDelay)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.TimeoutBaseline)
	assert.Equal(t, 30*time.Minute, cfg.Ingest.TimeoutCap)
	assert.InDelta(t, 1.5, cfg.Ingest.TimeoutMultiplier, 1e-9)
	assert.Equal(t, int64(2*1024*1024), cfg.Ingest.LargePDFBytes)
	assert.Equal(t, 50, cfg.Retrieval.PrimaryTopK)
	assert.Equal(t, 30, cfg.Retrieval.ExpansionTopK)
	assert.Empty(t, cfg.Warnings)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/docsense")
	t.Setenv("VECTOR_INDEX", "Qdrant")
	t.Setenv("EMBED_BATCH_DELAY", "500ms")
	t.Setenv("TIMEOUT_BASELINE", "60")
	t.Setenv("EXPANSION_TOP_K", "abc")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test,")

	cfg, err := fromEnv()
	require.NoError(t, err)

	assert.Equal(t, IndexQdrant, cfg.VectorIndex)
	assert.Equal(t, 500*time.Millisecond, cfg.Ingest.BatchDelay)
	assert.Equal(t, time.Minute, cfg.Ingest.TimeoutBaseline)
	assert.Equal(t, 30, cfg.Retrieval.ExpansionTopK)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "EXPANSION_TOP_K")
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("VECTOR_INDEX", "faiss")
	t.Setenv("CHUNK_OVERLAP", "2000")

	_, err := fromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "faiss")
	assert.Contains(t, err.Error(), "CHUNK_OVERLAP")
}
