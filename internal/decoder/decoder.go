// Package decoder turns raw chain entries into canonical bridge events.
//
// Entries from sources that are not monitored, and entries whose signature or
// instruction is not part of the bridge event set, are dropped silently. An
// entry that matches but cannot be decoded is reported as a
// *bridge.MalformedEventError and does not affect the rest of the block.
package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Decoder decodes the bridge events carried by one block.
type Decoder interface {
	Decode(b adapter.Block) ([]*bridgev1.BridgeEvent, []*bridge.MalformedEventError)
}

// New returns the decoder registered for the chain's family.
func New(cfg config.ChainConfig) (Decoder, error) {
	switch cfg.Family {
	case bridgev1.FamilyEVM:
		return newLogDecoder(cfg, l1Bridge, settlementBindings), nil
	case bridgev1.FamilyTwine:
		return newLogDecoder(cfg, l2Messenger, twineBindings), nil
	case bridgev1.FamilySVM:
		return newSVMDecoder(cfg), nil
	}
	return nil, bridge.NewConfigError(cfg.Name+".family", "no decoder for family %q", cfg.Family)
}

// MaxItemPosition is the largest log or transaction position that packs
// into a non-negative 64-bit item index.
const MaxItemPosition = 1<<31 - 1

var ErrItemPosition = errors.New("item position out of range")

// ItemIndex packs the position of a log or transaction in its block and the
// ordinal of a bridge item within it into one block-wide index. Ordering by
// item index orders by position first.
func ItemIndex(position, ordinal uint32) uint64 {
	return uint64(position)<<32 | uint64(ordinal)
}

// DecodeBlocks decodes every block and returns the events in persistence
// order.
func DecodeBlocks(d Decoder, blocks []adapter.Block) ([]*bridgev1.BridgeEvent, []*bridge.MalformedEventError) {
	var (
		events    []*bridgev1.BridgeEvent
		malformed []*bridge.MalformedEventError
	)
	for _, b := range blocks {
		if b.Skipped {
			continue
		}
		ev, bad := d.Decode(b)
		events = append(events, ev...)
		malformed = append(malformed, bad...)
	}
	bridgev1.SortEvents(events)
	return events, malformed
}

// renderValue renders a decoded ABI value exactly. Integers are written in
// base 10, addresses and hashes as checksummed or 0x-prefixed hex.
func renderValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case *big.Int:
		if x == nil {
			return "", fmt.Errorf("nil integer")
		}
		return x.String(), nil
	case common.Address:
		return x.Hex(), nil
	case common.Hash:
		return x.Hex(), nil
	case []byte:
		return hexutil.Encode(x), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

// snakeCase converts an ABI argument name such as toTwineAddress to
// to_twine_address.
func snakeCase(name string) string {
	var sb strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
