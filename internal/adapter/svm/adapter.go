// Package svm implements the chain adapter for the Solana-style settlement
// chain using solana-go's JSON-RPC client.
package svm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	"github.com/marko911/bridge-indexer/internal/retry"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Error codes a validator returns for slots that will never hold a block.
const (
	codeSlotSkipped         = -32007
	codeLongTermStorageSlot = -32009
	maxSupportedTxVersion   = uint64(0)
)

// Adapter reads finalized slots and the transactions that touched the
// monitored bridge programs.
type Adapter struct {
	cfg      config.ChainConfig
	client   *rpc.Client
	limiter  *rate.Limiter
	programs map[solana.PublicKey]struct{}
	logger   *slog.Logger
}

var _ adapter.ChainAdapter = (*Adapter)(nil)

// New creates an adapter for cfg. The endpoint is not contacted until the
// first fetch.
func New(cfg config.ChainConfig, logger *slog.Logger) (*Adapter, error) {
	programs := make(map[solana.PublicKey]struct{})
	for _, s := range cfg.MonitoredSources() {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, bridge.NewConfigError(cfg.Name+".contracts", "invalid program id %q: %v", s, err)
		}
		programs[pk] = struct{}{}
	}

	return &Adapter{
		cfg:      cfg,
		client:   rpc.New(cfg.RPC.HTTPURL),
		limiter:  adapter.NewLimiter(cfg.RPC.RequestsPerSecond),
		programs: programs,
		logger:   logger.With("component", "svm-adapter", "chain", cfg.Name),
	}, nil
}

func (a *Adapter) Chain() string           { return a.cfg.Name }
func (a *Adapter) Family() bridgev1.Family { return bridgev1.FamilySVM }

func (a *Adapter) Close() {
	_ = a.client.Close()
}

func (a *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	if a.cfg.RPC.Timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.RPC.Timeout)
		return cctx, cancel, nil
	}
	cctx, cancel := context.WithCancel(ctx)
	return cctx, cancel, nil
}

// FetchHead returns the latest finalized slot.
func (a *Adapter) FetchHead(ctx context.Context) (uint64, error) {
	cctx, cancel, err := a.callCtx(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	slot, err := a.client.GetSlot(cctx, rpc.CommitmentFinalized)
	if err != nil {
		return 0, retry.Wrap(a.cfg.Name, "get slot", err)
	}
	return slot, nil
}

// FetchBlock returns the blockhash of the slot, or an empty id when the slot
// was skipped.
func (a *Adapter) FetchBlock(ctx context.Context, slot uint64) (bridgev1.BlockRef, error) {
	rewards := false
	b, err := a.getBlock(ctx, slot, &rpc.GetBlockOpts{
		TransactionDetails:             rpc.TransactionDetailsNone,
		Rewards:                        &rewards,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: ptr(maxSupportedTxVersion),
	})
	if err != nil {
		return bridgev1.BlockRef{}, err
	}
	return b.Ref(), nil
}

// FetchRange returns one block per slot in [from, to]. Skipped slots are
// returned with Skipped set.
func (a *Adapter) FetchRange(ctx context.Context, from, to uint64) ([]adapter.Block, error) {
	if to < from {
		return nil, nil
	}

	blocks := make([]adapter.Block, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.cfg.RPC.MaxConcurrency, 1))
	for slot := from; slot <= to; slot++ {
		g.Go(func() error {
			b, err := a.getBlock(gctx, slot, &rpc.GetBlockOpts{
				Encoding:                       solana.EncodingBase64,
				TransactionDetails:             rpc.TransactionDetailsFull,
				Commitment:                     rpc.CommitmentFinalized,
				MaxSupportedTransactionVersion: ptr(maxSupportedTxVersion),
			})
			if err != nil {
				return err
			}
			blocks[slot-from] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (a *Adapter) getBlock(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (adapter.Block, error) {
	cctx, cancel, err := a.callCtx(ctx)
	if err != nil {
		return adapter.Block{}, err
	}
	defer cancel()

	out, err := a.client.GetBlockWithOpts(cctx, slot, opts)
	if isSkipped(err) {
		return adapter.Block{Height: slot, Skipped: true}, nil
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return adapter.Block{}, &bridge.TransientRpcError{Chain: a.cfg.Name, Op: "get block", Err: fmt.Errorf("slot %d not available", slot)}
	}
	if err != nil {
		return adapter.Block{}, retry.Wrap(a.cfg.Name, "get block", err)
	}

	b := adapter.Block{
		Height:   slot,
		ID:       out.Blockhash.String(),
		ParentID: out.PreviousBlockhash.String(),
	}
	if out.BlockTime != nil {
		b.Time = time.Unix(int64(*out.BlockTime), 0).UTC()
	}

	for i, txWithMeta := range out.Transactions {
		tx, ok, err := a.transaction(uint32(i), txWithMeta)
		if err != nil {
			return adapter.Block{}, &bridge.RpcProtocolError{Chain: a.cfg.Name, Op: "get block", Err: fmt.Errorf("slot %d tx %d: %w", slot, i, err)}
		}
		if ok {
			b.Transactions = append(b.Transactions, tx)
		}
	}
	return b, nil
}

// transaction converts a block transaction, reporting false when it failed or
// never touched a monitored program.
func (a *Adapter) transaction(index uint32, txWithMeta rpc.TransactionWithMeta) (adapter.Transaction, bool, error) {
	if txWithMeta.Meta == nil || txWithMeta.Meta.Err != nil || txWithMeta.Transaction == nil {
		return adapter.Transaction{}, false, nil
	}
	parsed, err := txWithMeta.GetTransaction()
	if err != nil {
		return adapter.Transaction{}, false, fmt.Errorf("decode transaction: %w", err)
	}
	if len(parsed.Signatures) == 0 {
		return adapter.Transaction{}, false, errors.New("transaction has no signatures")
	}

	accounts := make([]string, len(parsed.Message.AccountKeys))
	touched := false
	for i, key := range parsed.Message.AccountKeys {
		accounts[i] = key.String()
		if _, ok := a.programs[key]; ok {
			touched = true
		}
	}
	// programs reached through address lookup tables only show up in logs
	if !touched {
		touched = a.invokedInLogs(txWithMeta.Meta.LogMessages)
	}
	if !touched {
		return adapter.Transaction{}, false, nil
	}

	return adapter.Transaction{
		Signature:   parsed.Signatures[0].String(),
		Index:       index,
		Accounts:    accounts,
		LogMessages: txWithMeta.Meta.LogMessages,
	}, true, nil
}

func (a *Adapter) invokedInLogs(lines []string) bool {
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, "Program ")
		if !ok {
			continue
		}
		id, tail, ok := strings.Cut(rest, " ")
		if !ok || !strings.HasPrefix(tail, "invoke [") {
			continue
		}
		pk, err := solana.PublicKeyFromBase58(id)
		if err != nil {
			continue
		}
		if _, ok := a.programs[pk]; ok {
			return true
		}
	}
	return false
}

func isSkipped(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == codeSlotSkipped || rpcErr.Code == codeLongTermStorageSlot
}

func ptr[T any](v T) *T { return &v }
