package persistence

import (
	"encoding/json"
	"fmt"

	"KwrapLedger/internal/bank"
	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/event"
	"KwrapLedger/internal/ledger"
	"KwrapLedger/internal/state"
)

// CoreOutput is one applied command as rows. The orchestrator (cmd) converts
// core outputs with NewCoreOutput.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
	UserAccount *UserAccountRow
	HostAccount *HostAccountRow
	Bank        *BankRow
}

// NewCoreOutput converts an envelope and the records it touched.
func NewCoreOutput(
	env *event.EventEnvelope,
	acct *state.UserAccount,
	host *bank.Account,
	b *bank.Bank,
	journals *ledger.Batch,
) (CoreOutput, error) {
	out := CoreOutput{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Account:        env.Account.String(),
			Slot:           env.Slot,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
		},
	}

	if journals != nil {
		out.JournalRows = make([]JournalRow, 0, len(journals.Journals))
		for _, j := range journals.Journals {
			out.JournalRows = append(out.JournalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}

	if acct != nil {
		out.UserAccount = &UserAccountRow{
			Address:      acct.Key.String(),
			Owner:        acct.User.String(),
			BoundAccount: acct.BoundAccount.String(),
			Data:         codec.EncodeUserAccount(acct),
			Sequence:     env.Sequence,
			Slot:         env.Slot,
		}
	}
	if host != nil {
		data, err := json.Marshal(host)
		if err != nil {
			return CoreOutput{}, fmt.Errorf("marshal host account %s: %w", host.Key, err)
		}
		out.HostAccount = &HostAccountRow{Address: host.Key.String(), Data: data, Sequence: env.Sequence}
	}
	if b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return CoreOutput{}, fmt.Errorf("marshal bank %s: %w", b.Key, err)
		}
		out.Bank = &BankRow{
			Address:  b.Key.String(),
			Group:    b.Group.String(),
			Mint:     b.Mint.String(),
			Data:     data,
			Sequence: env.Sequence,
		}
	}
	return out, nil
}
