package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"KwrapLedger/internal/bank"
	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/event"
	"KwrapLedger/internal/ledger"
	"KwrapLedger/internal/observability"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

var (
	ErrInvariantViolation = errors.New("invariant violation")
	ErrAccountNotFound    = errors.New("user account not found")
	ErrAccountExists      = errors.New("user account already exists")
	ErrAccountMismatch    = errors.New("account key does not match derived address")
	ErrBankNotFound       = errors.New("bank not found")
	ErrBankExists         = errors.New("bank already exists")
	ErrBankWrapChange     = errors.New("bank market and reserve cannot change")
	ErrRecordUnavailable  = errors.New("account record unavailable")
	ErrCallerNotOwner     = errors.New("caller is not the account owner")
	ErrUnknownCommand     = errors.New("unknown command")
)

// RecordSource supplies venue records when a command does not carry them.
// The indexer snapshot implements it. Returned bytes are owned by the caller.
type RecordSource interface {
	AccountData(key solana.PublicKey) ([]byte, bool)
}

// Config for the engine.
type Config struct {
	// Trusted caller of guarded transitions.
	HostProgramID solana.PublicKey
	// Program that owns user account addresses.
	KwrapProgramID solana.PublicKey
	DedupCapacity  int
}

// CoreOutput is what the engine emits per applied command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Delta    event.Delta

	// Post-command copies of the records the command touched.
	Account     *state.UserAccount
	HostAccount *bank.Account
	Bank        *bank.Bank

	// Token movements of the command, nil when nothing moved.
	Journals *ledger.Batch
}

type accountEntry struct {
	mu   sync.Mutex
	acct *state.UserAccount
}

type bankEntry struct {
	mu   sync.Mutex
	bank *bank.Bank
}

// Engine applies commands to user accounts. Commands for one account are
// serialized by that account's lease; different accounts run in parallel.
// A command runs on copies and is committed only when it succeeds, so a
// rejected or aborted command leaves no trace.
type Engine struct {
	cfg         Config
	bridge      *bank.Bridge
	validator   *ledger.InvariantValidator
	journals    *ledger.JournalGenerator
	balances    *ledger.BalanceTracker
	idempotency *IdempotencyChecker
	slots       *SlotValidator
	records     RecordSource
	metrics     *observability.Metrics
	logger      zerolog.Logger

	mu       sync.RWMutex
	accounts map[solana.PublicKey]*accountEntry
	// Host lending accounts, keyed by host account key. Only touched under
	// the lease of the user account bound to them.
	hostAccounts map[solana.PublicKey]*bank.Account
	banks        map[solana.PublicKey]*bankEntry

	// seqMu orders output: sequence, hash chain and channel sends.
	seqMu    sync.Mutex
	sequence int64
	hasher   *StateHasher

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewEngine(
	cfg Config,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	records RecordSource,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 1_000_000
	}
	return &Engine{
		cfg:            cfg,
		bridge:         bank.NewBridge(cfg.HostProgramID, cfg.KwrapProgramID),
		validator:      ledger.NewInvariantValidator(),
		journals:       ledger.NewJournalGenerator(),
		balances:       ledger.NewBalanceTracker(),
		idempotency:    NewIdempotencyChecker(cfg.DedupCapacity, dbChecker),
		slots:          NewSlotValidator(),
		records:        records,
		metrics:        metrics,
		logger:         logger,
		accounts:       make(map[solana.PublicKey]*accountEntry),
		hostAccounts:   make(map[solana.PublicKey]*bank.Account),
		banks:          make(map[solana.PublicKey]*bankEntry),
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// Apply runs one command. A duplicate command returns (nil, nil).
func (e *Engine) Apply(evt event.Event) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if dup, tier := e.idempotency.IsDuplicate(eventType, idempotencyKey); dup {
		if e.metrics != nil {
			e.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
			e.metrics.CoreCommandsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		e.logger.Debug().Str("command", eventType).Str("key", idempotencyKey).Msg("duplicate command skipped")
		return nil, nil
	}

	var (
		out *CoreOutput
		err error
	)
	switch c := evt.(type) {
	case *event.CreateAccount:
		out, err = e.createAccount(c)
	case *event.CreateBank:
		out, err = e.createBank(c)
	case *event.UpdateBankConfig:
		out, err = e.updateBankConfig(c)
	case *event.RegisterMarket, *event.Accrue, *event.RecordDeposit, *event.RegisterKwrap,
		*event.SyncKwrap, *event.ReleaseSlot, *event.WithdrawKwrap, *event.CloseSlot:
		out, err = e.applyToAccount(evt)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
	}

	if err != nil {
		e.recordRejection(evt, err)
		return nil, err
	}

	e.idempotency.MarkProcessed(eventType, idempotencyKey)
	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
	}
	return out, nil
}

func (e *Engine) recordRejection(evt event.Event, err error) {
	eventType := evt.EventType().String()
	reason := "validation"
	switch {
	case errors.Is(err, ErrInvariantViolation):
		reason = "invariant"
	case errors.Is(err, ErrSlotRegression):
		reason = "slot_regression"
		if e.metrics != nil {
			e.metrics.SlotRegressions.WithLabelValues(eventType).Inc()
		}
	case ledger.IsFatal(err):
		reason = "fatal"
	}
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}

	l := e.logger.Warn()
	if reason == "invariant" || reason == "fatal" {
		l = e.logger.Error()
	}
	l.Err(err).
		Str("command", eventType).
		Str("key", evt.IdempotencyKey()).
		Str("account", evt.AccountKey().String()).
		Uint64("slot", evt.SourceSlot()).
		Msg("command rejected")
}

func invocation(h *event.Header) ledger.Invocation {
	return ledger.Invocation{Caller: h.Caller, Slot: h.Slot, UnixTimestamp: h.UnixTimestamp}
}

// contain turns an invariant panic raised inside fn into an error. Any other
// panic is a bug and keeps unwinding.
func (e *Engine) contain(eventType string, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		iv, ok := r.(*ledger.InvariantViolation)
		if !ok {
			panic(r)
		}
		if e.metrics != nil {
			e.metrics.CoreInvariantPanics.WithLabelValues(eventType).Inc()
		}
		e.logger.Error().
			Str("command", eventType).
			Str("account", iv.Account.String()).
			Str("obligation", iv.Obligation.String()).
			Int("position", iv.Position).
			Str("detail", iv.Detail).
			Msg("invariant violation; command aborted, state untouched")
		err = fmt.Errorf("%w: %w", ErrInvariantViolation, iv)
	}()
	return fn()
}

// --- account commands ---

func (e *Engine) createAccount(c *event.CreateAccount) (*CoreOutput, error) {
	key, bump, err := state.DeriveUserAccountAddress(e.cfg.KwrapProgramID, c.User, c.BoundAccount)
	if err != nil {
		return nil, fmt.Errorf("derive user account: %w", err)
	}
	if !c.Account.IsZero() && !c.Account.Equals(key) {
		return nil, ErrAccountMismatch
	}
	if !c.Caller.Equals(c.User) {
		return nil, ErrCallerNotOwner
	}

	e.mu.Lock()
	if _, exists := e.accounts[key]; exists {
		e.mu.Unlock()
		return nil, ErrAccountExists
	}
	host, ok := e.hostAccounts[c.BoundAccount]
	if ok && !host.Authority.Equals(c.User) {
		e.mu.Unlock()
		return nil, ErrAccountMismatch
	}
	if !ok {
		host = &bank.Account{Key: c.BoundAccount, Group: c.Group, Authority: c.User}
		e.hostAccounts[c.BoundAccount] = host
	}
	acct := state.NewUserAccount(key, c.User, c.BoundAccount, bump, c.UnixTimestamp)
	entry := &accountEntry{acct: acct}
	entry.mu.Lock()
	e.accounts[key] = entry
	count := len(e.accounts)
	e.mu.Unlock()
	defer entry.mu.Unlock()

	if e.metrics != nil {
		e.metrics.CoreAccounts.Set(float64(count))
	}
	e.slots.Advance(key, c.Slot)

	hostCopy := *host
	delta := event.Diff(nil, acct)
	return e.emit(c, key, &c.Header, delta, acct.Clone(), &hostCopy, nil), nil
}

func (e *Engine) lease(key solana.PublicKey) (*accountEntry, error) {
	e.mu.RLock()
	entry, ok := e.accounts[key]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	waitStart := time.Now()
	entry.mu.Lock()
	if e.metrics != nil {
		e.metrics.LeaseWait.Observe(time.Since(waitStart).Seconds())
	}
	return entry, nil
}

func (e *Engine) lookupBank(key solana.PublicKey) (*bankEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.banks[key]
	if !ok {
		return nil, ErrBankNotFound
	}
	return b, nil
}

func (e *Engine) hostAccount(key solana.PublicKey) (*bank.Account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.hostAccounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return h, nil
}

func (e *Engine) obligation(ref *event.ObligationRef) (*codec.Obligation, error) {
	data := ref.ObligationData
	if len(data) == 0 {
		if e.records == nil {
			return nil, fmt.Errorf("%w: obligation %s", ErrRecordUnavailable, ref.Obligation)
		}
		var ok bool
		data, ok = e.records.AccountData(ref.Obligation)
		if !ok {
			return nil, fmt.Errorf("%w: obligation %s", ErrRecordUnavailable, ref.Obligation)
		}
	}
	disc, _, err := codec.StripDiscriminator(data)
	if err != nil {
		return nil, err
	}
	if disc != codec.ObligationDiscriminator {
		return nil, fmt.Errorf("%w: %s is not an obligation", codec.ErrMalformedRecord, ref.Obligation)
	}
	return codec.ParseObligationAccount(data)
}

// bridged is the state a bank-touching command needs beyond the user account.
type bridged struct {
	bankEntry *bankEntry
	hostKey   solana.PublicKey
	host      bank.Account
	bank      bank.Bank
}

func (e *Engine) applyToAccount(evt event.Event) (*CoreOutput, error) {
	eventType := evt.EventType().String()
	entry, err := e.lease(evt.AccountKey())
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := e.slots.ValidateSlot(evt.AccountKey(), evt.SourceSlot()); err != nil {
		return nil, err
	}

	work := entry.acct.Clone()
	var br *bridged

	// Bank-touching commands also hold the bank lock. Order is always
	// account lease, then bank lock.
	bankKey := bankOf(evt)
	if !bankKey.IsZero() {
		be, err := e.lookupBank(bankKey)
		if err != nil {
			return nil, err
		}
		host, err := e.hostAccount(work.BoundAccount)
		if err != nil {
			return nil, err
		}
		be.mu.Lock()
		defer be.mu.Unlock()
		br = &bridged{bankEntry: be, hostKey: work.BoundAccount, host: *host, bank: *be.bank}
	}

	var (
		header *event.Header
		delta  event.Delta
		batch  *ledger.Batch
	)

	err = e.contain(eventType, func() error {
		var (
			bankDelta *event.BankDelta
			err       error
		)
		header, bankDelta, err = e.dispatch(evt, work, br)
		if err != nil {
			return err
		}
		if verr := e.validator.ValidateAccount(work); verr != nil {
			panic(&ledger.InvariantViolation{Account: work.Key, Position: -1, Detail: verr.Error()})
		}

		delta = event.Diff(entry.acct, work)
		delta.Bank = bankDelta

		changes := positionChanges(&delta)
		batch = e.journals.GenerateForPositions(work.Key, changes, header.UnixTimestamp)
		if rerr := e.balances.Reconcile(work.Key, changes, batch); rerr != nil {
			panic(&ledger.InvariantViolation{Account: work.Key, Position: -1, Detail: "journal: " + rerr.Error()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Commit.
	entry.acct = work
	var hostCopy *bank.Account
	var bankCopy *bank.Bank
	if br != nil {
		e.mu.Lock()
		*e.hostAccounts[br.hostKey] = br.host
		e.mu.Unlock()
		*br.bankEntry.bank = br.bank
		h, b := br.host, br.bank
		hostCopy, bankCopy = &h, &b
	}
	if batch != nil {
		if err := e.balances.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: reconciled journal batch rejected: %v", err))
		}
	}
	e.slots.Advance(evt.AccountKey(), evt.SourceSlot())
	e.observeDelta(evt, &delta)

	out := e.emitWith(evt, work.Key, header, delta, work.Clone(), hostCopy, bankCopy, batch)
	return out, nil
}

func positionChanges(d *event.Delta) []ledger.PositionChange {
	if len(d.Positions) == 0 {
		return nil
	}
	changes := make([]ledger.PositionChange, 0, len(d.Positions))
	for _, p := range d.Positions {
		changes = append(changes, ledger.PositionChange{
			Obligation: p.Obligation,
			Position:   p.Position,
			Before:     p.Before,
			After:      p.After,
		})
	}
	return changes
}

func bankOf(evt event.Event) solana.PublicKey {
	switch c := evt.(type) {
	case *event.RegisterKwrap:
		return c.Bank
	case *event.SyncKwrap:
		return c.Bank
	case *event.WithdrawKwrap:
		return c.Bank
	}
	return solana.PublicKey{}
}

// dispatch runs the transition for evt against work (and br for bank commands).
func (e *Engine) dispatch(evt event.Event, work *state.UserAccount, br *bridged) (*event.Header, *event.BankDelta, error) {
	switch c := evt.(type) {
	case *event.RegisterMarket:
		if !c.Caller.Equals(work.User) {
			return nil, nil, ErrCallerNotOwner
		}
		return &c.Header, nil, ledger.Register(work, c.Market, c.Obligation, invocation(&c.Header))

	case *event.Accrue:
		if !c.Caller.Equals(work.User) {
			return nil, nil, ErrCallerNotOwner
		}
		ob, err := e.obligation(&c.ObligationRef)
		if err != nil {
			return nil, nil, err
		}
		if c.Reserve.IsZero() {
			return &c.Header, nil, ledger.AccrueObligation(work, c.Obligation, ob, invocation(&c.Header))
		}
		return &c.Header, nil, ledger.Accrue(work, c.Obligation, ob, c.Reserve, invocation(&c.Header))

	case *event.RecordDeposit:
		ob, err := e.obligation(&c.ObligationRef)
		if err != nil {
			return nil, nil, err
		}
		return &c.Header, nil, ledger.RecordDeposit(work, c.Obligation, ob, c.Reserve, invocation(&c.Header))

	case *event.ReleaseSlot:
		_, err := ledger.ReleaseIfClear(work, c.Obligation)
		return &c.Header, nil, err

	case *event.CloseSlot:
		if !c.Caller.Equals(work.User) {
			return nil, nil, ErrCallerNotOwner
		}
		return &c.Header, nil, ledger.CloseSlot(work, c.Obligation, invocation(&c.Header))

	case *event.RegisterKwrap:
		ob, err := e.obligation(&c.ObligationRef)
		if err != nil {
			return nil, nil, err
		}
		l := br.ledger(work)
		res, err := e.bridge.RegisterKwrap(l, c.Obligation, ob, c.Reserve, invocation(&c.Header))
		if err != nil {
			return nil, nil, err
		}
		return &c.Header, br.delta(res.Amount, 0), nil

	case *event.SyncKwrap:
		l := br.ledger(work)
		res, err := e.bridge.SyncKwrap(l, invocation(&c.Header))
		if err != nil {
			return nil, nil, err
		}
		return &c.Header, br.delta(res.Amount, 0), nil

	case *event.WithdrawKwrap:
		ob, err := e.obligation(&c.ObligationRef)
		if err != nil {
			return nil, nil, err
		}
		l := br.ledger(work)
		res, err := e.bridge.WithdrawKwrap(l, c.Obligation, ob, c.Reserve, c.Amount, invocation(&c.Header))
		if err != nil {
			return nil, nil, err
		}
		return &c.Header, br.delta(res.Synced, res.Amount), nil
	}

	return nil, nil, fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
}

func (b *bridged) ledger(work *state.UserAccount) *bank.Ledger {
	return &bank.Ledger{Account: &b.host, Bank: &b.bank, Kwrap: work}
}

func (b *bridged) delta(credited, debited uint64) *event.BankDelta {
	d := &event.BankDelta{
		Bank:             b.bank.Key,
		Credited:         credited,
		Debited:          debited,
		TotalAssetShares: b.bank.TotalAssetShares,
	}
	if bal := b.host.LendingAccount.FindBalance(b.bank.Key); bal != nil {
		d.BalanceShares = bal.AssetShares
	}
	return d
}

func (e *Engine) observeDelta(evt event.Event, d *event.Delta) {
	if e.metrics == nil {
		return
	}
	for _, p := range d.Positions {
		if p.Before.State == state.PositionInactive && p.After.State == state.PositionActive {
			e.metrics.PositionsActivated.WithLabelValues(p.After.Bank.String()).Inc()
		}
		if p.After.Unsynced > p.Before.Unsynced {
			e.metrics.UnsyncedAccrued.WithLabelValues(p.Obligation.String()).Add(float64(p.After.Unsynced - p.Before.Unsynced))
		}
	}
	for _, s := range d.Slots {
		switch {
		case s.Cleared:
			e.metrics.SlotsClosed.Inc()
		case s.Before == state.SlotLocked.String() && s.After == state.SlotFree.String():
			e.metrics.SlotsReleased.Inc()
		}
	}
	if d.Bank != nil && d.Bank.Credited > 0 {
		e.metrics.BankSynced.WithLabelValues(d.Bank.Bank.String()).Add(float64(d.Bank.Credited))
	}
}

// --- bank commands ---

func (e *Engine) reserve(key solana.PublicKey, data []byte) (*codec.Reserve, error) {
	if len(data) == 0 {
		if e.records == nil {
			return nil, fmt.Errorf("%w: reserve %s", ErrRecordUnavailable, key)
		}
		var ok bool
		data, ok = e.records.AccountData(key)
		if !ok {
			return nil, fmt.Errorf("%w: reserve %s", ErrRecordUnavailable, key)
		}
	}
	disc, _, err := codec.StripDiscriminator(data)
	if err != nil {
		return nil, err
	}
	if disc != codec.ReserveDiscriminator {
		return nil, fmt.Errorf("%w: %s is not a reserve", codec.ErrMalformedRecord, key)
	}
	return codec.ParseReserveAccount(data)
}

func (e *Engine) createBank(c *event.CreateBank) (*CoreOutput, error) {
	if !c.Caller.Equals(e.cfg.HostProgramID) {
		return nil, ledger.ErrCallerNotTrusted
	}
	r, err := e.reserve(c.Config.Reserve, c.ReserveData)
	if err != nil {
		return nil, err
	}
	b, err := bank.NewKwrapBank(c.Group, c.Account, c.Mint, c.MintDecimals, r, c.Config, c.UnixTimestamp)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.banks[c.Account]; exists {
		e.mu.Unlock()
		return nil, ErrBankExists
	}
	e.banks[c.Account] = &bankEntry{bank: b}
	e.mu.Unlock()

	e.slots.Advance(c.Account, c.Slot)
	bankCopy := *b
	delta := event.Delta{
		Account:      c.Account,
		Created:      true,
		LastActivity: c.UnixTimestamp,
		Bank:         &event.BankDelta{Bank: b.Key, TotalAssetShares: b.TotalAssetShares},
	}
	return e.emit(c, c.Account, &c.Header, delta, nil, nil, &bankCopy), nil
}

func (e *Engine) updateBankConfig(c *event.UpdateBankConfig) (*CoreOutput, error) {
	if !c.Caller.Equals(e.cfg.HostProgramID) {
		return nil, ledger.ErrCallerNotTrusted
	}
	be, err := e.lookupBank(c.Account)
	if err != nil {
		return nil, err
	}
	be.mu.Lock()
	defer be.mu.Unlock()

	if err := e.slots.ValidateSlot(c.Account, c.Slot); err != nil {
		return nil, err
	}
	cur := be.bank
	if !cur.Config.Market.Equals(c.Config.Market) || !cur.Config.Reserve.Equals(c.Config.Reserve) {
		return nil, ErrBankWrapChange
	}
	if err := c.Config.Validate(); err != nil {
		return nil, fmt.Errorf("kwrap config: %w", err)
	}

	updated := *cur
	updated.Config = c.Config
	updated.LastUpdate = c.UnixTimestamp
	be.bank = &updated
	e.slots.Advance(c.Account, c.Slot)

	bankCopy := updated
	delta := event.Delta{
		Account:      c.Account,
		LastActivity: c.UnixTimestamp,
		Bank:         &event.BankDelta{Bank: updated.Key, TotalAssetShares: updated.TotalAssetShares},
	}
	return e.emit(c, c.Account, &c.Header, delta, nil, nil, &bankCopy), nil
}

// --- output ---

// emit assigns the sequence, extends the hash chain and hands the output to
// the persistence (blocking) and projection (drop on full) channels.
func (e *Engine) emit(
	evt event.Event,
	partition solana.PublicKey,
	h *event.Header,
	delta event.Delta,
	acct *state.UserAccount,
	host *bank.Account,
	b *bank.Bank,
) *CoreOutput {
	return e.emitWith(evt, partition, h, delta, acct, host, b, nil)
}

func (e *Engine) emitWith(
	evt event.Event,
	partition solana.PublicKey,
	h *event.Header,
	delta event.Delta,
	acct *state.UserAccount,
	host *bank.Account,
	b *bank.Bank,
	batch *ledger.Batch,
) *CoreOutput {
	payload, err := json.Marshal(&delta)
	if err != nil {
		panic(fmt.Sprintf("FATAL: delta not encodable: %v", err))
	}

	digest := stateDigest(acct, host, b)

	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	prev := e.hasher.GetPrevHash()
	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Account:        partition,
		Slot:           h.Slot,
		Timestamp:      h.Time(),
		Payload:        payload,
		StateHash:      e.hasher.ComputeHash(e.sequence, digest),
		PrevHash:       prev,
	}
	if batch != nil {
		batch.Stamp(evt.IdempotencyKey(), e.sequence)
	}
	e.sequence++

	out := CoreOutput{Envelope: envelope, Delta: delta, Account: acct, HostAccount: host, Bank: b, Journals: batch}

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("positions").Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	return &out
}

func stateDigest(acct *state.UserAccount, host *bank.Account, b *bank.Bank) []byte {
	var digest []byte
	if acct != nil {
		digest = appendRecord(digest, codec.EncodeUserAccount(acct))
	}
	if host != nil {
		raw, _ := json.Marshal(host)
		digest = appendRecord(digest, raw)
	}
	if b != nil {
		raw, _ := json.Marshal(b)
		digest = appendRecord(digest, raw)
	}
	return digest
}

// --- reads & recovery ---

// Account returns a copy of the user account.
func (e *Engine) Account(key solana.PublicKey) (*state.UserAccount, bool) {
	e.mu.RLock()
	entry, ok := e.accounts[key]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.acct.Clone(), true
}

// AccountKeys lists user accounts in key order.
func (e *Engine) AccountKeys() []solana.PublicKey {
	e.mu.RLock()
	keys := make([]solana.PublicKey, 0, len(e.accounts))
	for k := range e.accounts {
		keys = append(keys, k)
	}
	e.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Bank returns a copy of the bank.
func (e *Engine) Bank(key solana.PublicKey) (*bank.Bank, bool) {
	be, err := e.lookupBank(key)
	if err != nil {
		return nil, false
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	b := *be.bank
	return &b, true
}

// HostAccount returns a copy of the host lending account.
func (e *Engine) HostAccount(key solana.PublicKey) (*bank.Account, bool) {
	h, err := e.hostAccount(key)
	if err != nil {
		return nil, false
	}
	// Host accounts are written under the bound user account's lease plus
	// e.mu; reading under e.mu gives a consistent copy.
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := *h
	return &c, true
}

// Restore loads persisted records and seeds journal balances from them.
// Call before Apply.
func (e *Engine) Restore(accounts []*state.UserAccount, hosts []*bank.Account, banks []*bank.Bank) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range accounts {
		if err := e.balances.Seed(a, a.LastActivity); err != nil {
			return fmt.Errorf("seed journal balances for %s: %w", a.Key, err)
		}
		e.accounts[a.Key] = &accountEntry{acct: a.Clone()}
	}
	for _, h := range hosts {
		c := *h
		e.hostAccounts[h.Key] = &c
	}
	for _, b := range banks {
		c := *b
		e.banks[b.Key] = &bankEntry{bank: &c}
	}
	if e.metrics != nil {
		e.metrics.CoreAccounts.Set(float64(len(e.accounts)))
	}
	return nil
}

// PositionBalances returns the journal balances of one position.
func (e *Engine) PositionBalances(account, obligation solana.PublicKey, position int) (collateral, unsynced int64) {
	return e.balances.UserBalances(account, obligation, position)
}

// JournalTotal is the sum of every journal balance; zero when consistent.
func (e *Engine) JournalTotal() int64 {
	return e.balances.ComputeGlobalBalance()
}

// RestoreChain resumes sequence and hash chain.
func (e *Engine) RestoreChain(nextSequence int64, tip [32]byte) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.sequence = nextSequence
	e.hasher.Restore(tip)
}

// WarmLRU preloads recently applied command keys.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.Warm(keys)
}

func (e *Engine) GetSequence() int64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	return e.sequence
}

func (e *Engine) GetStateHash() [32]byte {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	return e.hasher.GetPrevHash()
}

// HostProgramID is the trusted caller identity.
func (e *Engine) HostProgramID() solana.PublicKey {
	return e.cfg.HostProgramID
}
