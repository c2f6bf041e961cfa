package ingestion_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"KwrapLedger/internal/event"
	"KwrapLedger/internal/indexer"
	"KwrapLedger/internal/ingestion"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = 0x55
	return k
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParseRegisterKwrap(t *testing.T) {
	obData := []byte{1, 2, 3, 4}
	payload := map[string]interface{}{
		"command_id":      "550e8400-e29b-41d4-a716-446655440000",
		"account":         key(1).String(),
		"caller":          key(100).String(),
		"slot":            42,
		"unix_timestamp":  1700000000,
		"obligation":      key(20).String(),
		"obligation_data": base64.StdEncoding.EncodeToString(obData),
		"bank":            key(40).String(),
		"reserve":         key(30).String(),
	}

	evt, err := ingestion.ParseCommand(ingestion.CmdRegisterKwrap, mustJSON(t, payload))
	require.NoError(t, err)
	c, ok := evt.(*event.RegisterKwrap)
	require.True(t, ok, "expected *event.RegisterKwrap, got %T", evt)

	assert.Equal(t, key(1), c.Account)
	assert.Equal(t, key(100), c.Caller)
	assert.Equal(t, uint64(42), c.Slot)
	assert.Equal(t, int64(1700000000), c.Time().Unix())
	assert.Equal(t, key(20), c.Obligation)
	assert.Equal(t, key(40), c.Bank)
	assert.Equal(t, key(30), c.Reserve)
	assert.Equal(t, obData, c.ObligationData)
	assert.Equal(t, event.EventTypeKwrapRegistered, c.EventType())
}

func TestParseCreateBank(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "bank-1",
		"account":       key(40).String(),
		"caller":        key(100).String(),
		"slot":          1,
		"group":         key(5).String(),
		"mint":          key(31).String(),
		"mint_decimals": 6,
		"config": map[string]interface{}{
			"market":           key(10).String(),
			"reserve":          key(30).String(),
			"assetWeightInit":  "0.75",
			"assetWeightMaint": "0.85",
			"depositLimit":     5000,
		},
	}
	evt, err := ingestion.ParseCommand(ingestion.CmdCreateBank, mustJSON(t, payload))
	require.NoError(t, err)
	c := evt.(*event.CreateBank)
	assert.EqualValues(t, 6, c.MintDecimals)
	assert.EqualValues(t, 5000, c.Config.DepositLimit)
	assert.Equal(t, "0.75", c.Config.AssetWeightInit.String())
}

func TestParseCommandRejects(t *testing.T) {
	valid := map[string]interface{}{
		"command_id": "c-1",
		"account":    key(1).String(),
		"caller":     key(2).String(),
		"bank":       key(40).String(),
	}

	tests := []struct {
		name    string
		command string
		data    []byte
		unknown bool
	}{
		{"unknown command", "liquidate", mustJSON(t, valid), true},
		{"not json", ingestion.CmdSyncKwrap, []byte("{"), false},
		{"bad key", ingestion.CmdSyncKwrap, []byte(`{"command_id":"x","account":"not-base58!"}`), false},
		{"missing id", ingestion.CmdSyncKwrap, mustJSON(t, map[string]interface{}{"account": key(1).String()}), false},
		{"missing account", ingestion.CmdSyncKwrap, []byte(`{"command_id":"x"}`), false},
		{"zero withdraw", ingestion.CmdWithdrawKwrap, mustJSON(t, valid), false},
		{"create without user", ingestion.CmdCreateAccount, mustJSON(t, valid), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tt.command, tt.data)
			require.Error(t, err)
			assert.True(t, ingestion.IsPermanent(err), "error should be permanent: %v", err)
			assert.Equal(t, tt.unknown, errors.Is(err, ingestion.ErrUnknownCommand),
				"unknown command classification wrong: %v", err)
		})
	}
}

func TestParseCreateAccountWithoutAccountKey(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "open-1",
		"caller":        key(2).String(),
		"user":          key(2).String(),
		"bound_account": key(3).String(),
		"group":         key(5).String(),
	}
	evt, err := ingestion.ParseCommand(ingestion.CmdCreateAccount, mustJSON(t, payload))
	require.NoError(t, err)
	assert.True(t, evt.AccountKey().IsZero(), "account should be left for the core to derive")
}

func TestCommandNameFromSubject(t *testing.T) {
	for _, name := range ingestion.CommandNames() {
		got, ok := ingestion.CommandNameFromSubject(ingestion.CommandSubjectPrefix + name)
		assert.True(t, ok, name)
		assert.Equal(t, name, got)
	}
	_, ok := ingestion.CommandNameFromSubject("kwrap.feed.slots")
	assert.False(t, ok, "feed subject accepted as command")
	_, ok = ingestion.CommandNameFromSubject(ingestion.CommandSubjectPrefix)
	assert.False(t, ok, "empty command name accepted")
}

func TestParseAccountUpdate(t *testing.T) {
	var sig solana.Signature
	sig[0] = 9
	payload := map[string]interface{}{
		"slot":          77,
		"pubkey":        key(1).String(),
		"owner":         key(101).String(),
		"data":          base64.StdEncoding.EncodeToString([]byte("record")),
		"write_version": 12,
		"txn_signature": sig.String(),
	}
	received := time.Unix(5, 0)
	u, err := ingestion.ParseAccountUpdate(mustJSON(t, payload), received)
	require.NoError(t, err)
	assert.EqualValues(t, 77, u.Slot)
	assert.EqualValues(t, 12, u.WriteVersion)
	assert.Equal(t, "record", string(u.Data))
	assert.Equal(t, key(1), u.Address)
	assert.Equal(t, key(101), u.Owner)
	require.NotNil(t, u.TxnSignature)
	assert.Equal(t, sig, *u.TxnSignature)
	assert.True(t, u.ReceivedAt.Equal(received), "received at: got %v", u.ReceivedAt)
}

func TestParseSlotUpdate(t *testing.T) {
	slot, status, err := ingestion.ParseSlotUpdate([]byte(`{"slot":9,"status":"Confirmed"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 9, slot)
	assert.Equal(t, indexer.SlotConfirmed, status)

	_, _, err = ingestion.ParseSlotUpdate([]byte(`{"slot":9,"status":"rooted?"}`))
	assert.Error(t, err, "unknown status accepted")
}

func TestFeedRouter(t *testing.T) {
	buffers := indexer.NewBuffers(nil)
	router := ingestion.NewFeedRouter(buffers, nil)

	update := fmt.Sprintf(`{"slot":3,"pubkey":%q,"owner":%q,"data":"AQI=","write_version":1}`,
		key(1).String(), key(101).String())
	require.NoError(t, router.Handle(ingestion.AccountsSubjectPrefix+key(101).String(), []byte(update)), "account")
	require.NoError(t, router.Handle(ingestion.SlotsSubject, []byte(`{"slot":3,"status":"processed"}`)), "slot")
	require.NoError(t, router.Handle(ingestion.BlocksSubject, []byte(`{"slot":3,"block_time":1700000000}`)), "block")

	assert.EqualValues(t, 1700000000, buffers.BlockTime())
	got := buffers.TakeConfirmed()
	require.Len(t, got, 1)
	assert.Equal(t, key(1), got[0].Address)

	err := router.Handle("kwrap.feed.other", []byte(`{}`))
	assert.True(t, ingestion.IsPermanent(err), "unexpected subject should be permanent, got %v", err)
}

func TestFeedRouterTransactions(t *testing.T) {
	buffers := indexer.NewBuffers(nil)
	router := ingestion.NewFeedRouter(buffers, nil)

	var sig solana.Signature
	sig[0] = 4
	tx := func(success bool) []byte {
		return mustJSON(t, map[string]interface{}{
			"slot":      11,
			"signature": sig.String(),
			"signer":    key(2).String(),
			"success":   success,
			"fee":       5000,
			"meta":      json.RawMessage(`{"err":null}`),
			"message":   base64.StdEncoding.EncodeToString([]byte("msg")),
		})
	}
	require.NoError(t, router.Handle(ingestion.TransactionsSubject, tx(true)))
	require.NoError(t, router.Handle(ingestion.TransactionsSubject, tx(false)))
	require.Equal(t, 1, buffers.PendingTransactions(), "failed transactions are skipped")

	buffers.AddSlot(11, indexer.SlotConfirmed)
	got := buffers.TakeConfirmedTransactions()
	require.Len(t, got, 1)
	assert.Equal(t, sig, got[0].Signature)
	assert.Equal(t, key(2), got[0].Signer)
	assert.Equal(t, "legacy", got[0].Version)
	assert.Equal(t, "msg", string(got[0].Message))

	err := router.Handle(ingestion.TransactionsSubject, []byte(`{"slot":1,"signature":"nope"}`))
	assert.True(t, ingestion.IsPermanent(err), "bad signature should be permanent, got %v", err)
}

func TestCommandIngestService(t *testing.T) {
	ch := make(chan event.Event, 4)
	svc := ingestion.NewCommandIngestService(ch)

	body := mustJSON(t, map[string]interface{}{
		"command_id": "close-1",
		"account":    key(1).String(),
		"caller":     key(2).String(),
		"obligation": key(20).String(),
	})
	evt, err := svc.Submit(context.Background(), ingestion.CmdCloseSlot, body)
	require.NoError(t, err)
	assert.Same(t, evt, <-ch, "queued a different command")

	id, err := svc.InjectSync(context.Background(), key(1), key(100), key(40), 10)
	require.NoError(t, err)
	sync := (<-ch).(*event.SyncKwrap)
	assert.Equal(t, id, sync.CommandID)
	assert.Equal(t, key(40), sync.Bank)

	full := ingestion.NewCommandIngestService(make(chan event.Event))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = full.InjectAccrue(ctx, key(1), key(2), key(20), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
