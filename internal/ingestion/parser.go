package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"KwrapLedger/internal/event"
	"KwrapLedger/internal/indexer"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrMalformedMessage marks input that can never be processed. Messages
	// failing with it are terminated rather than redelivered.
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownCommand   = errors.New("unknown command")
)

// IsPermanent reports whether err means redelivery is pointless.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrUnknownCommand)
}

// Command names as they appear in subjects and routes.
const (
	CmdCreateAccount    = "create_account"
	CmdRegisterMarket   = "register_market"
	CmdAccrue           = "accrue"
	CmdRecordDeposit    = "record_deposit"
	CmdRegisterKwrap    = "register_kwrap"
	CmdSyncKwrap        = "sync_kwrap"
	CmdReleaseSlot      = "release_slot"
	CmdWithdrawKwrap    = "withdraw_kwrap"
	CmdCloseSlot        = "close_slot"
	CmdCreateBank       = "create_bank"
	CmdUpdateBankConfig = "update_bank_config"
)

// CommandNames lists every accepted command.
func CommandNames() []string {
	return []string{
		CmdCreateAccount, CmdRegisterMarket, CmdAccrue, CmdRecordDeposit,
		CmdRegisterKwrap, CmdSyncKwrap, CmdReleaseSlot, CmdWithdrawKwrap,
		CmdCloseSlot, CmdCreateBank, CmdUpdateBankConfig,
	}
}

// CommandNameFromSubject strips the command subject prefix.
func CommandNameFromSubject(subject string) (string, bool) {
	name, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	return name, ok && name != ""
}

func newCommand(name string) (event.Event, error) {
	switch name {
	case CmdCreateAccount:
		return &event.CreateAccount{}, nil
	case CmdRegisterMarket:
		return &event.RegisterMarket{}, nil
	case CmdAccrue:
		return &event.Accrue{}, nil
	case CmdRecordDeposit:
		return &event.RecordDeposit{}, nil
	case CmdRegisterKwrap:
		return &event.RegisterKwrap{}, nil
	case CmdSyncKwrap:
		return &event.SyncKwrap{}, nil
	case CmdReleaseSlot:
		return &event.ReleaseSlot{}, nil
	case CmdWithdrawKwrap:
		return &event.WithdrawKwrap{}, nil
	case CmdCloseSlot:
		return &event.CloseSlot{}, nil
	case CmdCreateBank:
		return &event.CreateBank{}, nil
	case CmdUpdateBankConfig:
		return &event.UpdateBankConfig{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// ParseCommand decodes a JSON command body. Keys are base58 strings and
// record bytes are base64.
func ParseCommand(name string, data []byte) (event.Event, error) {
	evt, err := newCommand(name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedMessage, name, err)
	}
	if err := validateCommand(evt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, name, err)
	}
	return evt, nil
}

func validateCommand(evt event.Event) error {
	if evt.IdempotencyKey() == "" {
		return errors.New("command_id is required")
	}
	switch c := evt.(type) {
	case *event.CreateAccount:
		if c.User.IsZero() || c.BoundAccount.IsZero() {
			return errors.New("user and bound_account are required")
		}
		if c.Caller.IsZero() {
			return errors.New("caller is required")
		}
		return nil
	case *event.WithdrawKwrap:
		if c.Amount == 0 {
			return errors.New("amount must be positive")
		}
	}
	if evt.AccountKey().IsZero() {
		return errors.New("account is required")
	}
	return nil
}

// --- feed wire formats ---

type accountUpdateJSON struct {
	Slot         uint64 `json:"slot"`
	Pubkey       string `json:"pubkey"`
	Owner        string `json:"owner"`
	Data         []byte `json:"data"`
	WriteVersion uint64 `json:"write_version"`
	TxnSignature string `json:"txn_signature,omitempty"`
}

// ParseAccountUpdate decodes one account write from the feed.
func ParseAccountUpdate(data []byte, received time.Time) (indexer.AccountUpdate, error) {
	var j accountUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return indexer.AccountUpdate{}, fmt.Errorf("%w: parse account update: %v", ErrMalformedMessage, err)
	}
	address, err := solana.PublicKeyFromBase58(j.Pubkey)
	if err != nil {
		return indexer.AccountUpdate{}, fmt.Errorf("%w: pubkey: %v", ErrMalformedMessage, err)
	}
	owner, err := solana.PublicKeyFromBase58(j.Owner)
	if err != nil {
		return indexer.AccountUpdate{}, fmt.Errorf("%w: owner: %v", ErrMalformedMessage, err)
	}

	u := indexer.AccountUpdate{
		Slot:         j.Slot,
		Address:      address,
		Owner:        owner,
		Data:         j.Data,
		WriteVersion: j.WriteVersion,
		ReceivedAt:   received,
	}
	if j.TxnSignature != "" {
		sig, err := solana.SignatureFromBase58(j.TxnSignature)
		if err != nil {
			return indexer.AccountUpdate{}, fmt.Errorf("%w: txn_signature: %v", ErrMalformedMessage, err)
		}
		u.TxnSignature = &sig
	}
	return u, nil
}

type transactionJSON struct {
	Slot      uint64          `json:"slot"`
	Signature string          `json:"signature"`
	Signer    string          `json:"signer"`
	Success   bool            `json:"success"`
	Version   string          `json:"version"`
	Fee       uint64          `json:"fee"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Message   []byte          `json:"message"`
}

// ParseTransaction decodes one program transaction from the feed. A missing
// version means a legacy transaction.
func ParseTransaction(data []byte, received time.Time) (indexer.Transaction, error) {
	var j transactionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return indexer.Transaction{}, fmt.Errorf("%w: parse transaction: %v", ErrMalformedMessage, err)
	}
	sig, err := solana.SignatureFromBase58(j.Signature)
	if err != nil {
		return indexer.Transaction{}, fmt.Errorf("%w: signature: %v", ErrMalformedMessage, err)
	}
	signer, err := solana.PublicKeyFromBase58(j.Signer)
	if err != nil {
		return indexer.Transaction{}, fmt.Errorf("%w: signer: %v", ErrMalformedMessage, err)
	}
	version := j.Version
	if version == "" {
		version = "legacy"
	}
	return indexer.Transaction{
		Slot:       j.Slot,
		Signature:  sig,
		Signer:     signer,
		Success:    j.Success,
		Version:    version,
		Fee:        j.Fee,
		Meta:       j.Meta,
		Message:    j.Message,
		ReceivedAt: received,
	}, nil
}

type slotUpdateJSON struct {
	Slot   uint64 `json:"slot"`
	Status string `json:"status"`
}

// ParseSlotUpdate decodes a slot status message.
func ParseSlotUpdate(data []byte) (uint64, indexer.SlotStatus, error) {
	var j slotUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return 0, "", fmt.Errorf("%w: parse slot update: %v", ErrMalformedMessage, err)
	}
	status := indexer.SlotStatus(strings.ToLower(j.Status))
	switch status {
	case indexer.SlotProcessed, indexer.SlotConfirmed, indexer.SlotFinalized:
	default:
		return 0, "", fmt.Errorf("%w: slot status %q", ErrMalformedMessage, j.Status)
	}
	return j.Slot, status, nil
}

type blockMetaJSON struct {
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"block_time"`
}

// ParseBlockMeta decodes a block time message.
func ParseBlockMeta(data []byte) (slot uint64, blockTime int64, err error) {
	var j blockMetaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return 0, 0, fmt.Errorf("%w: parse block meta: %v", ErrMalformedMessage, err)
	}
	return j.Slot, j.BlockTime, nil
}
