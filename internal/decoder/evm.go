package decoder

import (
	"fmt"
	"maps"
	"reflect"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// binding maps one contract event onto a bridge event kind.
type binding struct {
	kind   bridgev1.EventKind
	status bridgev1.EventStatus
	// expand replaces the default one-field-per-argument payload with zero or
	// more payloads, one event each. No payloads skips the log without
	// reporting it.
	expand func(fields map[string]any) ([]map[string]string, error)
}

var settlementBindings = map[string]binding{
	"QueueDepositTransaction":    {kind: bridgev1.EventKindDeposit, status: bridgev1.EventStatusInitiated},
	"QueueWithdrawalTransaction": {kind: bridgev1.EventKindWithdrawal, status: bridgev1.EventStatusInitiated},
	"FinalizeWithdrawETH":        {kind: bridgev1.EventKindWithdrawal, status: bridgev1.EventStatusFinalized},
	"FinalizeWithdrawERC20":      {kind: bridgev1.EventKindWithdrawal, status: bridgev1.EventStatusFinalized},
}

var twineBindings = map[string]binding{
	"SentMessage":                 {kind: bridgev1.EventKindMessageSent, status: bridgev1.EventStatusInitiated},
	"EthereumTransactionsHandled": {kind: bridgev1.EventKindMessageRelayed, status: bridgev1.EventStatusRelayed, expand: expandRelayed},
	"SolanaTransactionsHandled":   {kind: bridgev1.EventKindMessageRelayed, status: bridgev1.EventStatusRelayed, expand: expandRelayed},
}

type logEvent struct {
	binding
	event   abi.Event
	indexed abi.Arguments
}

// logDecoder decodes contract logs for the EVM settlement chain and Twine.
type logDecoder struct {
	chain   string
	chainID uint64
	sources map[common.Address]struct{}
	events  map[common.Hash]logEvent
}

func newLogDecoder(cfg config.ChainConfig, contract abi.ABI, bindings map[string]binding) *logDecoder {
	d := &logDecoder{
		chain:   cfg.Name,
		chainID: cfg.ChainID,
		sources: make(map[common.Address]struct{}),
		events:  make(map[common.Hash]logEvent, len(bindings)),
	}
	for _, s := range cfg.MonitoredSources() {
		d.sources[common.HexToAddress(s)] = struct{}{}
	}
	for name, b := range bindings {
		ev := contract.Events[name]
		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		d.events[ev.ID] = logEvent{binding: b, event: ev, indexed: indexed}
	}
	return d
}

func (d *logDecoder) Decode(b adapter.Block) ([]*bridgev1.BridgeEvent, []*bridge.MalformedEventError) {
	var (
		events    []*bridgev1.BridgeEvent
		malformed []*bridge.MalformedEventError
	)
	for _, l := range b.Logs {
		if _, ok := d.sources[l.Address]; !ok || len(l.Topics) == 0 {
			continue
		}
		ev, ok := d.events[l.Topics[0]]
		if !ok {
			continue
		}

		var (
			payloads []map[string]string
			err      error
			item     = uint64(l.Index)
		)
		if l.Index > MaxItemPosition {
			err = fmt.Errorf("log index %d: %w", l.Index, ErrItemPosition)
		} else {
			item = ItemIndex(uint32(l.Index), 0)
			payloads, err = ev.decode(l)
		}
		if err != nil {
			malformed = append(malformed, &bridge.MalformedEventError{
				Chain:     d.chain,
				Height:    b.Height,
				TxID:      l.TxHash.Hex(),
				ItemIndex: item,
				Event:     ev.event.Name,
				Err:       err,
			})
			continue
		}

		for i, payload := range payloads {
			payload["event"] = ev.event.Name
			payload["log_index"] = strconv.FormatUint(uint64(l.Index), 10)
			events = append(events, &bridgev1.BridgeEvent{
				ChainID:     d.chainID,
				Chain:       d.chain,
				Kind:        ev.kind,
				Status:      ev.status,
				Source:      l.Address.Hex(),
				BlockHeight: b.Height,
				BlockID:     b.ID,
				BlockTime:   b.Time,
				TxID:        l.TxHash.Hex(),
				ItemIndex:   ItemIndex(uint32(l.Index), uint32(i)),
				Nonce:       payload["nonce"],
				Payload:     payload,
			})
		}
	}
	return events, malformed
}

func (ev logEvent) decode(l adapter.Log) ([]map[string]string, error) {
	fields := make(map[string]any, len(ev.event.Inputs))
	if err := ev.event.Inputs.UnpackIntoMap(fields, l.Data); err != nil {
		return nil, fmt.Errorf("unpack data: %w", err)
	}
	if err := abi.ParseTopicsIntoMap(fields, ev.indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	if ev.expand != nil {
		return ev.expand(fields)
	}

	payload := make(map[string]string, len(ev.event.Inputs)+2)
	for _, arg := range ev.event.Inputs {
		key := snakeCase(arg.Name)
		// indexed dynamic values are only available as their keccak hash
		if arg.Indexed && (arg.Type.T == abi.StringTy || arg.Type.T == abi.BytesTy) {
			key += "_hash"
		}
		s, err := renderValue(fields[arg.Name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", arg.Name, err)
		}
		payload[key] = s
	}
	return []map[string]string{payload}, nil
}

// expandRelayed decodes the precompile return carried by a relayed
// transactions event into one payload per relayed deposit, then one per
// relayed withdrawal. An empty return yields nothing.
func expandRelayed(fields map[string]any) ([]map[string]string, error) {
	output, _ := fields["transactionOutput"].([]byte)
	if len(output) == 0 {
		return nil, nil
	}
	values, err := precompileReturn.Unpack(output)
	if err != nil {
		return nil, fmt.Errorf("precompile return: %w", err)
	}
	ret := reflect.ValueOf(values[0])

	deposits := ret.FieldByName("Deposit")
	withdraws := ret.FieldByName("Withdraws")
	counts := map[string]string{
		"deposit_count":  strconv.Itoa(deposits.Len()),
		"withdraw_count": strconv.Itoa(withdraws.Len()),
	}

	out := make([]map[string]string, 0, deposits.Len()+withdraws.Len())
	for _, list := range []struct {
		entries   reflect.Value
		direction string
	}{{deposits, "deposit"}, {withdraws, "withdraw"}} {
		for i := 0; i < list.entries.Len(); i++ {
			out = append(out, relayedPayload(list.entries.Index(i), list.direction, counts))
		}
	}
	return out, nil
}

func relayedPayload(entry reflect.Value, direction string, counts map[string]string) map[string]string {
	detail := entry.FieldByName("Detail")
	payload := map[string]string{
		"direction":        direction,
		"nonce":            strconv.FormatUint(entry.FieldByName("L1Nonce").Uint(), 10),
		"chain_id":         strconv.FormatUint(detail.FieldByName("ChainId").Uint(), 10),
		"relay_status":     strconv.FormatUint(detail.FieldByName("Status").Uint(), 10),
		"slot_number":      strconv.FormatUint(detail.FieldByName("SlotNumber").Uint(), 10),
		"from_address":     detail.FieldByName("FromAddress").String(),
		"to_twine_address": detail.FieldByName("ToTwineAddress").String(),
		"l1_token":         detail.FieldByName("L1Token").String(),
		"l2_token":         detail.FieldByName("L2Token").String(),
		"amount":           detail.FieldByName("Amount").String(),
	}
	maps.Copy(payload, counts)
	return payload
}
