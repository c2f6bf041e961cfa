package persistence_test

import (
	"context"
	"testing"
	"time"

	"KwrapLedger/internal/bank"
	"KwrapLedger/internal/event"
	"KwrapLedger/internal/indexer"
	"KwrapLedger/internal/persistence"
	"KwrapLedger/internal/state"
	"KwrapLedger/internal/testutil"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pk(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = 0x66
	return k
}

func TestPersistenceRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, persistence.NewMigrator(db, testutil.MigrationsDir(t)).Up(ctx), "migrate")

	acct := state.NewUserAccount(pk(1), pk(2), pk(3), 250, 1_700_000_000)
	host := &bank.Account{Key: pk(3), Group: pk(5), Authority: pk(2)}
	b := &bank.Bank{Key: pk(40), Group: pk(5), Mint: pk(31), MintDecimals: 6,
		AssetShareValue: decimal.NewFromInt(1), TotalAssetShares: decimal.Zero}

	in := make(chan persistence.CoreOutput, 4)
	for seq := int64(0); seq < 2; seq++ {
		env := &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: uuid.NewString(),
			EventType:      event.EventTypeAccountCreated,
			Account:        acct.Key,
			Slot:           uint64(10 + seq),
			Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
			Payload:        []byte(`{}`),
		}
		env.StateHash[0] = byte(seq + 1)
		out, err := persistence.NewCoreOutput(env, acct, host, b, nil)
		require.NoError(t, err)
		in <- out
	}
	close(in)

	worker := persistence.NewPersistenceWorker(db, in, 10, 50*time.Millisecond, nil)
	require.NoError(t, worker.Run(ctx), "worker")

	store := persistence.NewRecordStore(db)
	tip, err := store.LoadChainTip(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, tip.NextSequence)
	assert.Equal(t, byte(2), tip.StateHash[0])

	accounts, err := store.LoadUserAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, acct.Key, accounts[0].Key)

	banks, err := store.LoadBanks(ctx)
	require.NoError(t, err)
	require.Len(t, banks, 1)
	assert.Equal(t, pk(31), banks[0].Mint)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("AccountCreated", "missing")
	require.NoError(t, err)
	assert.False(t, dup, "unexpected duplicate")
}

func TestMetricsWriter(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := persistence.NewMigrator(db, testutil.MigrationsDir(t))
	require.NoError(t, m.Up(ctx), "migrate")
	tables := persistence.IndexerTables{
		Account:       "indexer.test_account",
		MetricGroup:   "indexer.test_metric_group",
		MetricBank:    "indexer.test_metric_bank",
		MetricAccount: "indexer.test_metric_account",
	}
	for typ, name := range map[string]string{
		persistence.TableAccount:       tables.Account,
		persistence.TableMetricGroup:   tables.MetricGroup,
		persistence.TableMetricBank:    tables.MetricBank,
		persistence.TableMetricAccount: tables.MetricAccount,
	} {
		require.NoError(t, m.CreateTable(ctx, typ, name, "test"), "create %s", typ)
		defer db.Exec("DROP TABLE IF EXISTS " + name)
	}

	ts := time.Unix(1_700_000_000, 0).UTC()
	batch := &indexer.MetricsBatch{
		Timestamp: ts,
		Group:     indexer.GroupMetrics{ID: uuid.New(), Timestamp: ts, Group: pk(5), TotalUSD: decimal.NewFromInt(3), UnsyncedUSD: decimal.NewFromInt(1)},
		Banks: []indexer.BankMetrics{{ID: uuid.New(), Timestamp: ts, Bank: pk(40), Amount: ^uint64(0),
			AmountUSD: decimal.Zero, UnsyncedUSD: decimal.Zero}},
		Accounts: []indexer.AccountMetrics{{ID: uuid.New(), Timestamp: ts, Account: pk(1), TotalUSD: decimal.Zero}},
	}
	require.NoError(t, persistence.NewMetricsWriter(db, tables, nil).WriteMetrics(ctx, batch))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+tables.MetricBank+" WHERE amount = 18446744073709551615").Scan(&n))
	assert.Equal(t, 1, n, "bank row")
}

func TestTransactionWriter(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := persistence.NewMigrator(db, testutil.MigrationsDir(t))
	require.NoError(t, m.Up(ctx), "migrate")
	table := "indexer.test_transaction"
	require.NoError(t, m.CreateTable(ctx, persistence.TableTransaction, table, ""))
	defer db.Exec("DROP TABLE IF EXISTS " + table)

	var sig solana.Signature
	sig[0] = 7
	tx := indexer.Transaction{
		Slot:       42,
		Signature:  sig,
		Signer:     pk(2),
		Success:    true,
		Version:    "0",
		Fee:        5000,
		Message:    []byte{1, 2, 3},
		ReceivedAt: time.Unix(1_700_000_000, 0),
	}
	w := persistence.NewTransactionWriter(db, table, 8, 8, time.Second, nil)
	require.NoError(t, w.Write(ctx, []indexer.Transaction{tx}))
	// redelivery of the same signature is a no-op
	require.NoError(t, w.Write(ctx, []indexer.Transaction{tx}))

	var (
		n    int
		meta string
	)
	require.NoError(t, db.QueryRow("SELECT COUNT(*), MAX(meta) FROM "+table+" WHERE signature = $1", sig.String()).Scan(&n, &meta))
	assert.Equal(t, 1, n)
	assert.Equal(t, "{}", meta)
}
