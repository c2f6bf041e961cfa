package ingestion

import (
	"context"
	"time"

	"KwrapLedger/internal/event"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// CommandIngestService accepts commands outside NATS, from the HTTP command
// route and operator tooling. Commands join the same ingestion loop.
type CommandIngestService struct {
	eventChan chan<- event.Event
}

func NewCommandIngestService(eventChan chan<- event.Event) *CommandIngestService {
	return &CommandIngestService{eventChan: eventChan}
}

// Submit parses a JSON command and queues it. The returned command has
// been validated but not applied.
func (s *CommandIngestService) Submit(ctx context.Context, name string, data []byte) (event.Event, error) {
	evt, err := ParseCommand(name, data)
	if err != nil {
		return nil, err
	}
	return evt, s.enqueue(ctx, evt)
}

// InjectAccrue queues an accrual of every deposit of obligation, reading
// the obligation from the record source. caller must be the account owner.
func (s *CommandIngestService) InjectAccrue(
	ctx context.Context,
	account, caller, obligation solana.PublicKey,
	slot uint64,
) (string, error) {
	evt := &event.Accrue{
		Header:        adminHeader(account, caller, slot),
		ObligationRef: event.ObligationRef{Obligation: obligation},
	}
	return evt.CommandID, s.enqueue(ctx, evt)
}

// InjectSync queues a bank sync for account. caller must be the lending
// account authority or the host program.
func (s *CommandIngestService) InjectSync(
	ctx context.Context,
	account, caller, bank solana.PublicKey,
	slot uint64,
) (string, error) {
	evt := &event.SyncKwrap{
		Header: adminHeader(account, caller, slot),
		Bank:   bank,
	}
	return evt.CommandID, s.enqueue(ctx, evt)
}

func adminHeader(account, caller solana.PublicKey, slot uint64) event.Header {
	return event.Header{
		CommandID:     uuid.NewString(),
		Account:       account,
		Caller:        caller,
		Slot:          slot,
		UnixTimestamp: time.Now().Unix(),
	}
}

func (s *CommandIngestService) enqueue(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
