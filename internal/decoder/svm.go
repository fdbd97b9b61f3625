package decoder

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/bridge"
	"github.com/marko911/bridge-indexer/internal/config"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

const (
	instructionPrefix = "Program log: Instruction: "
	dataPrefix        = "Program data: "
	discriminatorLen  = 8
)

type borshKind int

const (
	borshU64 borshKind = iota
	borshString
)

type borshField struct {
	name string
	kind borshKind
}

var (
	depositLayout = []borshField{
		{"nonce", borshU64},
		{"from_l1_pubkey", borshString},
		{"to_twine_address", borshString},
		{"l1_token", borshString},
		{"l2_token", borshString},
		{"chain_id", borshU64},
		{"amount", borshString},
		{"slot_number", borshU64},
	}
	forcedWithdrawalLayout = []borshField{
		{"nonce", borshU64},
		{"from_twine_address", borshString},
		{"to_l1_pub_key", borshString},
		{"l1_token", borshString},
		{"l2_token", borshString},
		{"chain_id", borshU64},
		{"amount", borshString},
		{"slot_number", borshU64},
	}
	finalizeWithdrawalLayout = []borshField{
		{"nonce", borshU64},
		{"receiver_l1_pubkey", borshString},
		{"l1_token", borshString},
		{"l2_token", borshString},
		{"chain_id", borshU64},
		{"amount", borshU64},
		{"slot_number", borshU64},
	}
)

type svmInstruction struct {
	kind   bridgev1.EventKind
	status bridgev1.EventStatus
	layout []borshField
}

// Instructions not listed here, batch lifecycle ones included, are ignored.
var svmInstructions = map[string]svmInstruction{
	"NativeTokenDeposit":          {bridgev1.EventKindDeposit, bridgev1.EventStatusInitiated, depositLayout},
	"SplTokensDeposit":            {bridgev1.EventKindDeposit, bridgev1.EventStatusInitiated, depositLayout},
	"ForcedNativeTokenWithdrawal": {bridgev1.EventKindWithdrawal, bridgev1.EventStatusInitiated, forcedWithdrawalLayout},
	"ForcedSplTokenWithdrawal":    {bridgev1.EventKindWithdrawal, bridgev1.EventStatusInitiated, forcedWithdrawalLayout},
	"FinalizeNativeWithdrawal":    {bridgev1.EventKindWithdrawal, bridgev1.EventStatusFinalized, finalizeWithdrawalLayout},
	"FinalizeSplWithdrawal":       {bridgev1.EventKindWithdrawal, bridgev1.EventStatusFinalized, finalizeWithdrawalLayout},
}

// svmDecoder decodes the bridge programs' instruction logs.
type svmDecoder struct {
	chain    string
	chainID  uint64
	programs map[string]struct{}
}

func newSVMDecoder(cfg config.ChainConfig) *svmDecoder {
	d := &svmDecoder{
		chain:    cfg.Name,
		chainID:  cfg.ChainID,
		programs: make(map[string]struct{}),
	}
	for _, s := range cfg.MonitoredSources() {
		d.programs[s] = struct{}{}
	}
	return d
}

// pendingInstruction is an announced instruction waiting for its event data.
type pendingInstruction struct {
	name    string
	def     svmInstruction
	program string
	depth   int
	index   uint64
}

func (d *svmDecoder) Decode(b adapter.Block) ([]*bridgev1.BridgeEvent, []*bridge.MalformedEventError) {
	var (
		events    []*bridgev1.BridgeEvent
		malformed []*bridge.MalformedEventError
	)
	for _, tx := range b.Transactions {
		ev, bad := d.decodeTx(b, tx)
		events = append(events, ev...)
		malformed = append(malformed, bad...)
	}
	return events, malformed
}

func (d *svmDecoder) decodeTx(b adapter.Block, tx adapter.Transaction) ([]*bridgev1.BridgeEvent, []*bridge.MalformedEventError) {
	var (
		events    []*bridgev1.BridgeEvent
		malformed []*bridge.MalformedEventError
		stack     []string
		pending   *pendingInstruction
		ordinal   uint32
	)
	if tx.Index > MaxItemPosition {
		return nil, []*bridge.MalformedEventError{{
			Chain:  d.chain,
			Height: b.Height,
			TxID:   tx.Signature,
			Event:  "transaction",
			Err:    fmt.Errorf("transaction position %d: %w", tx.Index, ErrItemPosition),
		}}
	}

	fail := func(p *pendingInstruction, err error) {
		malformed = append(malformed, &bridge.MalformedEventError{
			Chain:     d.chain,
			Height:    b.Height,
			TxID:      tx.Signature,
			ItemIndex: p.index,
			Event:     p.name,
			Err:       err,
		})
	}
	errNoData := errors.New("instruction emitted no program data")

	for _, line := range tx.LogMessages {
		if program, ok := invokedProgram(line); ok {
			stack = append(stack, program)
			continue
		}
		if program, ok := exitedProgram(line); ok {
			if pending != nil && pending.depth == len(stack) {
				fail(pending, errNoData)
				pending = nil
			}
			if n := len(stack); n > 0 && stack[n-1] == program {
				stack = stack[:n-1]
			}
			continue
		}

		program, monitored := d.current(stack, tx)
		if !monitored {
			continue
		}

		if name, ok := strings.CutPrefix(line, instructionPrefix); ok {
			if pending != nil && pending.depth == len(stack) {
				fail(pending, errNoData)
			}
			pending = nil
			def, known := svmInstructions[strings.TrimSpace(name)]
			if !known {
				continue
			}
			pending = &pendingInstruction{
				name:    strings.TrimSpace(name),
				def:     def,
				program: program,
				depth:   len(stack),
				index:   ItemIndex(tx.Index, ordinal),
			}
			ordinal++
			continue
		}

		encoded, ok := strings.CutPrefix(line, dataPrefix)
		if !ok || pending == nil || pending.depth != len(stack) {
			continue
		}
		p := pending
		pending = nil

		payload, err := decodeProgramData(strings.TrimSpace(encoded), p.def.layout)
		if err != nil {
			fail(p, err)
			continue
		}
		payload["event"] = p.name
		events = append(events, &bridgev1.BridgeEvent{
			ChainID:     d.chainID,
			Chain:       d.chain,
			Kind:        p.def.kind,
			Status:      p.def.status,
			Source:      p.program,
			BlockHeight: b.Height,
			BlockID:     b.ID,
			BlockTime:   b.Time,
			TxID:        tx.Signature,
			ItemIndex:   p.index,
			Nonce:       payload["nonce"],
			Payload:     payload,
		})
	}
	if pending != nil {
		fail(pending, errNoData)
	}
	return events, malformed
}

// current returns the program emitting the next log line and whether it is
// monitored. Transactions whose logs carry no invocation lines were already
// filtered to monitored programs by the adapter.
func (d *svmDecoder) current(stack []string, tx adapter.Transaction) (string, bool) {
	if len(stack) > 0 {
		program := stack[len(stack)-1]
		_, ok := d.programs[program]
		return program, ok
	}
	for _, account := range tx.Accounts {
		if _, ok := d.programs[account]; ok {
			return account, true
		}
	}
	return "", true
}

// invokedProgram parses "Program <id> invoke [<depth>]".
func invokedProgram(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "Program ")
	if !ok {
		return "", false
	}
	id, tail, ok := strings.Cut(rest, " ")
	if !ok || !strings.HasPrefix(tail, "invoke [") {
		return "", false
	}
	return id, true
}

// exitedProgram parses "Program <id> success" and "Program <id> failed: ...".
func exitedProgram(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "Program ")
	if !ok {
		return "", false
	}
	id, tail, ok := strings.Cut(rest, " ")
	if !ok || (tail != "success" && !strings.HasPrefix(tail, "failed")) {
		return "", false
	}
	return id, true
}

// decodeProgramData decodes a base64 event body. The body normally starts
// with an 8-byte event discriminator; bodies without one are accepted too.
func decodeProgramData(encoded string, layout []borshField) (map[string]string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("program data: %w", err)
	}
	if len(data) >= discriminatorLen {
		if out, err := readBorsh(data[discriminatorLen:], layout); err == nil {
			return out, nil
		}
	}
	return readBorsh(data, layout)
}

func readBorsh(data []byte, layout []borshField) (map[string]string, error) {
	dec := bin.NewBorshDecoder(data)
	out := make(map[string]string, len(layout)+1)
	for _, f := range layout {
		switch f.kind {
		case borshU64:
			v, err := dec.ReadUint64(binary.LittleEndian)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = strconv.FormatUint(v, 10)
		case borshString:
			n, err := dec.ReadUint32(binary.LittleEndian)
			if err != nil {
				return nil, fmt.Errorf("field %s length: %w", f.name, err)
			}
			if int(n) > dec.Remaining() {
				return nil, fmt.Errorf("field %s: length %d exceeds remaining %d bytes", f.name, n, dec.Remaining())
			}
			raw, err := dec.ReadNBytes(int(n))
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			if !utf8.Valid(raw) {
				return nil, fmt.Errorf("field %s: invalid utf-8", f.name)
			}
			out[f.name] = string(raw)
		}
	}
	if rest := dec.Remaining(); rest != 0 {
		return nil, fmt.Errorf("%d trailing bytes", rest)
	}
	return out, nil
}
