package ingestion

import (
	"fmt"
	"strings"
	"time"

	"KwrapLedger/internal/indexer"
	"KwrapLedger/internal/observability"
)

// FeedRouter decodes feed messages into the indexer buffers.
type FeedRouter struct {
	buffers *indexer.Buffers
	metrics *observability.Metrics
	now     func() time.Time
}

func NewFeedRouter(buffers *indexer.Buffers, metrics *observability.Metrics) *FeedRouter {
	return &FeedRouter{buffers: buffers, metrics: metrics, now: time.Now}
}

// Handle routes by subject: account writes, transactions, slot statuses,
// block times.
func (fr *FeedRouter) Handle(subject string, data []byte) error {
	kind := feedKind(subject)
	if fr.metrics != nil {
		fr.metrics.FeedUpdates.WithLabelValues(kind).Inc()
	}
	err := fr.handle(kind, data)
	if err != nil && fr.metrics != nil {
		fr.metrics.FeedParseErrors.WithLabelValues(kind).Inc()
	}
	return err
}

func (fr *FeedRouter) handle(kind string, data []byte) error {
	switch kind {
	case "account":
		u, err := ParseAccountUpdate(data, fr.now())
		if err != nil {
			return err
		}
		fr.buffers.AddAccountUpdate(u)
	case "transaction":
		tx, err := ParseTransaction(data, fr.now())
		if err != nil {
			return err
		}
		// failed transactions are not indexed
		if tx.Success {
			fr.buffers.AddTransaction(tx)
		}
	case "slot":
		slot, status, err := ParseSlotUpdate(data)
		if err != nil {
			return err
		}
		fr.buffers.AddSlot(slot, status)
	case "block":
		_, blockTime, err := ParseBlockMeta(data)
		if err != nil {
			return err
		}
		fr.buffers.SetBlockTime(blockTime)
	default:
		return fmt.Errorf("%w: unexpected feed subject", ErrMalformedMessage)
	}
	return nil
}

func feedKind(subject string) string {
	switch {
	case strings.HasPrefix(subject, AccountsSubjectPrefix):
		return "account"
	case subject == SlotsSubject:
		return "slot"
	case subject == BlocksSubject:
		return "block"
	case subject == TransactionsSubject:
		return "transaction"
	default:
		return "unknown"
	}
}
