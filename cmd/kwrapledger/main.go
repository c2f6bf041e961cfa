package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"KwrapLedger/internal/config"
	"KwrapLedger/internal/core"
	"KwrapLedger/internal/event"
	"KwrapLedger/internal/indexer"
	"KwrapLedger/internal/ingestion"
	"KwrapLedger/internal/observability"
	"KwrapLedger/internal/persistence"
	"KwrapLedger/internal/projection"
	"KwrapLedger/internal/query"
	"KwrapLedger/internal/server"

	"github.com/gagliardetto/solana-go/rpc"
	_ "github.com/lib/pq"
)

// idempotency keys loaded into the LRU on restart
const warmKeys = 100_000

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: KwrapLedger starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}
	programs, err := cfg.Programs()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}
	os.Setenv(observability.LogLevelEnv, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	components := []string{"postgres", "engine", "nats"}
	if cfg.Indexer.Enabled {
		components = append(components, "indexer")
	}
	healthChecker := observability.NewHealthChecker(components...)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	tables := persistence.IndexerTables{
		Transaction:   cfg.Indexer.TransactionTable,
		Account:       cfg.Indexer.AccountTable,
		MetricGroup:   cfg.Indexer.MetricGroupTable,
		MetricBank:    cfg.Indexer.MetricBankTable,
		MetricAccount: cfg.Indexer.MetricAccountTable,
	}
	if cfg.Indexer.Enabled {
		if err := ensureIndexerTables(ctx, migrator, tables); err != nil {
			log.Fatalf("FATAL: indexer tables: %v", err)
		}
	}
	log.Println("INFO: migrations applied")
	healthChecker.SetComponentReady("postgres", true)

	// --- Indexer snapshot (record source for the engine) ---
	var (
		buffers  *indexer.Buffers
		snapshot *indexer.Snapshot
		records  core.RecordSource
	)
	if cfg.Indexer.Enabled {
		buffers = indexer.NewBuffers(metrics)
		snapshot = indexer.NewSnapshot(programs.Kwrap, programs.Venue)
		records = snapshot
	}

	// --- Recovery ---
	store := persistence.NewRecordStore(db)
	tip, err := store.LoadChainTip(ctx)
	if err != nil {
		log.Fatalf("FATAL: load chain tip: %v", err)
	}

	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	engine := core.NewEngine(
		core.Config{
			HostProgramID:  programs.Host,
			KwrapProgramID: programs.Kwrap,
			DedupCapacity:  cfg.DedupCapacity,
		},
		tip.NextSequence,
		persistCoreChan,
		projectionCoreChan,
		persistence.NewPostgresIdempotencyChecker(db),
		records,
		metrics,
		observability.NewLogger("core"),
	)
	if err := restoreEngine(ctx, engine, store, tip); err != nil {
		log.Fatalf("FATAL: restore: %v", err)
	}
	healthChecker.SetComponentReady("engine", true)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}
	log.Println("INFO: NATS connected")

	// --- Services ---
	syncHistory := projection.NewSyncHistoryProjection(cfg.SyncHistoryCapacity)
	commandChan := make(chan event.Event, cfg.CommandChanSize)
	commandService := ingestion.NewCommandIngestService(commandChan)

	var ix *indexer.Indexer
	var (
		historyWriter *persistence.AccountHistoryWriter
		txWriter      *persistence.TransactionWriter
	)
	if cfg.Indexer.Enabled {
		ixCfg := indexer.DefaultConfig()
		ixCfg.CommitInterval = cfg.Indexer.CommitInterval
		ixCfg.PushInterval = cfg.Indexer.PushInterval
		ixCfg.Policy.ForceInterval = cfg.Indexer.ForceInterval
		ixCfg.Policy.Group = programs.Group

		ix = indexer.NewIndexer(buffers, snapshot,
			persistence.NewMetricsWriter(db, tables, metrics),
			ixCfg, metrics, observability.NewLogger("indexer"))
		historyWriter = persistence.NewAccountHistoryWriter(db, tables.Account,
			cfg.Indexer.HistoryQueueSize, cfg.Indexer.HistoryBatchSize, time.Second, metrics)
		ix.OnCommit = historyWriter.Record
		txWriter = persistence.NewTransactionWriter(db, tables.Transaction,
			cfg.Indexer.HistoryQueueSize, cfg.Indexer.HistoryBatchSize, time.Second, metrics)
		ix.OnTransactions = txWriter.Record
	}

	queryService := query.NewQueryService(engine, db, syncHistory, ix, metrics)
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:    queryService,
		Commands: commandService,
		Rebuild:  func(ctx context.Context) error { return projection.RebuildProjections(ctx, db) },
		Health:   healthChecker,
	})
	if err != nil {
		log.Fatalf("FATAL: server: %v", err)
	}

	// --- Goroutines ---
	errChan := make(chan error, 10)

	// Workers outlive ctx so they can drain what the engine already emitted.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, syncHistory, metrics)
	if err := projWorker.LoadWatermark(ctx); err != nil {
		log.Printf("WARN: load projection watermark: %v", err)
	}
	publisher := ingestion.NewOutboundPublisher(js, publishChan)

	workers.Add(4)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()
	go func() {
		defer workers.Done()
		projWorker.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		publisher.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)
	}()

	if cfg.Indexer.Enabled {
		go func() {
			if cfg.Indexer.Bootstrap {
				client := rpc.New(cfg.RPCURL)
				stats, err := indexer.Bootstrap(ctx, client, snapshot, buffers, rpc.CommitmentConfirmed, observability.NewLogger("bootstrap"))
				if err != nil {
					errChan <- err
					return
				}
				log.Printf("INFO: indexer bootstrapped at slot %d (accounts=%d obligations=%d reserves=%d)",
					stats.Slot, stats.Accounts, stats.Obligations, stats.Reserves)
			}
			healthChecker.SetComponentReady("indexer", true)
			ix.Run(ctx)
		}()
		go historyWriter.Run(ctx)
		go txWriter.Run(ctx)
	}

	// NATS → engine
	rawEventChan := make(chan ingestion.RawEvent, cfg.CommandChanSize)
	subjects := ingestion.DefaultSubjects()
	var feed ingestion.FeedHandler
	if cfg.Indexer.Enabled {
		feed = ingestion.NewFeedRouter(buffers, metrics)
	} else {
		subjects = commandSubjects(subjects)
	}
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, feed)
	if err := natsSubscriber.Subscribe(ctx, subjects); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}
	healthChecker.SetComponentReady("nats", true)

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		runIngestionLoop(ctx, rawEventChan, commandChan, engine)
	}()

	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()

	log.Printf("INFO: KwrapLedger ready (sequence=%d, grpc=%s, http=%s, indexer=%t)",
		tip.NextSequence, cfg.GRPCAddr, cfg.HTTPAddr, cfg.Indexer.Enabled)

	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// Stop intake, then let the workers drain what was applied.
	healthChecker.SetReady(false)
	cancel()
	natsSubscriber.Stop()
	<-ingestDone

	close(persistCoreChan)
	close(projectionCoreChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Println("INFO: workers drained")
	case <-time.After(30 * time.Second):
		log.Println("WARN: drain timed out, abandoning unflushed output")
		workerCancel()
	}

	log.Printf("INFO: KwrapLedger shutdown complete (sequence=%d)", engine.GetSequence())
}

func ensureIndexerTables(ctx context.Context, m *persistence.Migrator, t persistence.IndexerTables) error {
	for _, tbl := range []struct{ typ, name, desc string }{
		{persistence.TableTransaction, t.Transaction, "kwrap program transactions from the feed"},
		{persistence.TableAccount, t.Account, "user account writes from the feed"},
		{persistence.TableMetricGroup, t.MetricGroup, "group level kwrap metrics"},
		{persistence.TableMetricBank, t.MetricBank, "per bank kwrap metrics"},
		{persistence.TableMetricAccount, t.MetricAccount, "per account kwrap metrics"},
	} {
		if err := m.CreateTable(ctx, tbl.typ, tbl.name, tbl.desc); err != nil {
			return err
		}
	}
	return nil
}

// restoreEngine loads the latest record of every account, host account and
// bank, the hash chain tip and recent idempotency keys.
func restoreEngine(ctx context.Context, engine *core.Engine, store *persistence.RecordStore, tip persistence.ChainTip) error {
	accounts, err := store.LoadUserAccounts(ctx)
	if err != nil {
		return err
	}
	hosts, err := store.LoadHostAccounts(ctx)
	if err != nil {
		return err
	}
	banks, err := store.LoadBanks(ctx)
	if err != nil {
		return err
	}
	if err := engine.Restore(accounts, hosts, banks); err != nil {
		return err
	}
	engine.RestoreChain(tip.NextSequence, tip.StateHash)

	keys, err := store.RecentIdempotencyKeys(ctx, warmKeys)
	if err != nil {
		log.Printf("WARN: idempotency warmup skipped: %v", err)
	} else {
		engine.WarmLRU(keys)
	}

	if tip.NextSequence == 0 {
		log.Println("INFO: empty event log, cold start from sequence 0")
	} else {
		log.Printf("INFO: restored %d accounts, %d host accounts, %d banks at sequence %d",
			len(accounts), len(hosts), len(banks), tip.NextSequence)
	}
	return nil
}

func commandSubjects(all []ingestion.SubjectConfig) []ingestion.SubjectConfig {
	var out []ingestion.SubjectConfig
	for _, s := range all {
		if s.Kind == ingestion.SubjectCommand {
			out = append(out, s)
		}
	}
	return out
}

// bridgeCoreOutputs converts engine outputs into the persistence, projection
// and publish formats. It returns once both engine channels are closed,
// closing the worker channels behind it.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}

			row, err := persistence.NewCoreOutput(output.Envelope, output.Account, output.HostAccount, output.Bank, output.Journals)
			if err != nil {
				panic("FATAL: engine output not persistable: " + err.Error())
			}
			persistOut <- row

			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       output.Envelope.Sequence,
				EventType:      output.Envelope.EventType.String(),
				IdempotencyKey: output.Envelope.IdempotencyKey,
				Account:        output.Envelope.Account.String(),
				Slot:           output.Envelope.Slot,
				Payload:        output.Envelope.Payload,
				StateHash:      output.Envelope.StateHash[:],
				Timestamp:      output.Envelope.Timestamp,
			}:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}

			select {
			case projectionOut <- projection.NewProjectionOutput(output.Envelope, &output.Delta, output.Journals):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

// runIngestionLoop applies commands from NATS and from the HTTP route. A
// NATS message is acked once the command was applied or rejected for good,
// and nak'd when the venue record it needs is not indexed yet.
func runIngestionLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, commandChan <-chan event.Event, engine *core.Engine) {
	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-rawChan:
			name, ok := ingestion.CommandNameFromSubject(raw.Subject)
			if !ok {
				log.Printf("WARN: unknown NATS subject: %s", raw.Subject)
				raw.AckFunc()
				continue
			}
			evt, err := ingestion.ParseCommand(name, raw.Data)
			if err != nil {
				log.Printf("WARN: parse command failed (subject=%s): %v", raw.Subject, err)
				raw.AckFunc()
				continue
			}
			if _, err := engine.Apply(evt); errors.Is(err, core.ErrRecordUnavailable) {
				raw.NakFunc()
				continue
			}
			raw.AckFunc()

		case evt := <-commandChan:
			if _, err := engine.Apply(evt); err != nil {
				log.Printf("WARN: command rejected (type=%s, key=%s): %v",
					evt.EventType(), evt.IdempotencyKey(), err)
			}
		}
	}
}
