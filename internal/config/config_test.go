package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	p, err := cfg.Programs()
	require.NoError(t, err)
	assert.Equal(t, "KLend2g3cP87fffoy8q1mQqGKjrxjC8boSyAYavgmjD", p.Venue.String())
	assert.True(t, p.Group.IsZero())
	assert.Equal(t, time.Minute, cfg.Indexer.PushInterval)
	assert.Equal(t, "indexer.metric_bank", cfg.Indexer.MetricBankTable)
	assert.Equal(t, "indexer.transaction", cfg.Indexer.TransactionTable)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KWRAP_PERSIST_BATCH_SIZE", "7")
	t.Setenv("KWRAP_INDEXER_PUSH_INTERVAL", "15s")
	t.Setenv("KWRAP_INDEXER_ENABLED", "false")
	t.Setenv("KWRAP_DEDUP_CAPACITY", "not-a-number")

	cfg := Default()
	assert.Equal(t, 7, cfg.PersistBatchSize)
	assert.Equal(t, 15*time.Second, cfg.Indexer.PushInterval)
	assert.False(t, cfg.Indexer.Enabled)
	assert.Equal(t, 100_000, cfg.DedupCapacity, "unparseable value falls back")
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kwrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":18080"
persist_flush_timeout: 25ms
indexer:
  push_interval: 30s
  account_table: indexer.account_devnet
`), 0o600))
	t.Setenv(FileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":18080", cfg.HTTPAddr)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, 30*time.Second, cfg.Indexer.PushInterval)
	assert.Equal(t, "indexer.account_devnet", cfg.Indexer.AccountTable)
	assert.Equal(t, time.Hour, cfg.Indexer.ForceInterval, "keys absent from the file keep defaults")
	assert.Equal(t, ":9090", cfg.GRPCAddr)
}

func TestLoadRejectsBadProgramID(t *testing.T) {
	t.Setenv("KWRAP_HOST_PROGRAM_ID", "nope")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("KWRAP_HOST_PROGRAM_ID", "")
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}
