package indexer

import (
	"context"
	"fmt"
	"time"

	"KwrapLedger/internal/codec"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

// maxMultipleAccounts is the RPC limit for getMultipleAccounts.
const maxMultipleAccounts = 100

// RPCClient is the subset of the solana-go RPC client the bootstrap uses.
type RPCClient interface {
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockTime(ctx context.Context, slot uint64) (*solana.UnixTimeSeconds, error)
}

var _ RPCClient = (*rpc.Client)(nil)

// BootstrapStats reports what a bootstrap loaded.
type BootstrapStats struct {
	Slot        uint64
	Accounts    int
	Obligations int
	Reserves    int
}

// Bootstrap seeds the snapshot from RPC before the feed takes over: every
// user account of the kwrap program, then the obligations they reference,
// then the reserves those obligations deposit into. Records are applied at
// the slot read before the first fetch so feed updates from later slots win.
func Bootstrap(ctx context.Context, client RPCClient, snap *Snapshot, buffers *Buffers,
	commitment rpc.CommitmentType, logger zerolog.Logger) (*BootstrapStats, error) {

	slot, err := client.GetSlot(ctx, commitment)
	if err != nil {
		return nil, fmt.Errorf("getSlot: %w", err)
	}
	if bt, err := client.GetBlockTime(ctx, slot); err == nil && bt != nil {
		buffers.SetBlockTime(int64(*bt))
	} else {
		logger.Warn().Err(err).Uint64("slot", slot).Msg("block time unavailable at bootstrap")
	}

	now := time.Now()
	stats := &BootstrapStats{Slot: slot}

	users, err := client.GetProgramAccountsWithOpts(ctx, snap.kwrapProgram, &rpc.GetProgramAccountsOpts{
		Commitment: commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(codec.UserAccountDiscriminator[:])}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts user accounts: %w", err)
	}

	obligations := make(map[solana.PublicKey]struct{})
	for _, item := range users {
		if item == nil || item.Account == nil {
			continue
		}
		u := AccountUpdate{
			Slot:    slot,
			Address: item.Pubkey,
			Owner:   item.Account.Owner,
			Data:    item.Account.Data.GetBinary(),
		}
		if _, err := snap.Apply(u, now); err != nil {
			logger.Warn().Err(err).Str("address", item.Pubkey.String()).Msg("skipping user account")
			continue
		}
		acct, _, ok := snap.UserAccount(item.Pubkey)
		if !ok {
			continue
		}
		stats.Accounts++
		for i := range acct.MarketInfo {
			if !acct.MarketInfo[i].IsEmpty() {
				obligations[acct.MarketInfo[i].Obligation] = struct{}{}
			}
		}
	}

	reserves := make(map[solana.PublicKey]struct{})
	n, err := fetchInto(ctx, client, snap, keysOf(obligations), slot, commitment, now, logger, func(key solana.PublicKey) {
		ob, ok := snap.obligationCopy(key)
		if !ok {
			return
		}
		for i := range ob.Deposits {
			if r := ob.Deposits[i].DepositReserve; !r.IsZero() {
				reserves[r] = struct{}{}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	stats.Obligations = n

	n, err = fetchInto(ctx, client, snap, keysOf(reserves), slot, commitment, now, logger, nil)
	if err != nil {
		return nil, err
	}
	stats.Reserves = n

	logger.Info().Uint64("slot", slot).Int("accounts", stats.Accounts).
		Int("obligations", stats.Obligations).Int("reserves", stats.Reserves).Msg("snapshot bootstrapped")
	return stats, nil
}

func fetchInto(ctx context.Context, client RPCClient, snap *Snapshot, keys []solana.PublicKey, slot uint64,
	commitment rpc.CommitmentType, now time.Time, logger zerolog.Logger, after func(solana.PublicKey)) (int, error) {

	loaded := 0
	for start := 0; start < len(keys); start += maxMultipleAccounts {
		end := min(start+maxMultipleAccounts, len(keys))
		chunk := keys[start:end]
		res, err := client.GetMultipleAccountsWithOpts(ctx, chunk, &rpc.GetMultipleAccountsOpts{Commitment: commitment})
		if err != nil {
			return loaded, fmt.Errorf("getMultipleAccounts: %w", err)
		}
		for i, acc := range res.Value {
			if acc == nil || i >= len(chunk) {
				continue
			}
			u := AccountUpdate{Slot: slot, Address: chunk[i], Owner: acc.Owner, Data: acc.Data.GetBinary()}
			if _, err := snap.Apply(u, now); err != nil {
				logger.Warn().Err(err).Str("address", chunk[i].String()).Msg("skipping venue record")
				continue
			}
			loaded++
			if after != nil {
				after(chunk[i])
			}
		}
	}
	return loaded, nil
}

func keysOf(m map[solana.PublicKey]struct{}) []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
