// Package retry classifies transport errors from chain endpoints and computes
// backoff delays for retrying a batch.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/marko911/bridge-indexer/internal/bridge"
)

type Class string

const (
	ClassTransient Class = "transient"
	ClassProtocol  Class = "protocol"
	ClassCanceled  Class = "canceled"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// Classify decides whether a raw transport error is worth retrying.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassProtocol, Reason: "nil_error"}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassCanceled, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTPStatus(httpErr.StatusCode)
	}

	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) {
		return classifyJSONRPCCode(coded.ErrorCode())
	}
	var solErr *jsonrpc.RPCError
	if errors.As(err, &solErr) {
		return classifyJSONRPCCode(solErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Decision{Class: ClassTransient, Reason: "net_op"}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Decision{Class: ClassTransient, Reason: "conn_errno"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, protocolMessageTokens) {
		return Decision{Class: ClassProtocol, Reason: "message_protocol"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassProtocol, Reason: "unknown_protocol_default"}
}

func classifyHTTPStatus(code int) Decision {
	switch {
	case code == 429:
		return Decision{Class: ClassTransient, Reason: "http_rate_limited"}
	case code == 408 || code >= 500:
		return Decision{Class: ClassTransient, Reason: "http_server"}
	default:
		return Decision{Class: ClassProtocol, Reason: "http_client"}
	}
}

func classifyJSONRPCCode(code int) Decision {
	switch {
	case code == -32603 || code == -32005:
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	case code <= -32000 && code >= -32099:
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	default:
		return Decision{Class: ClassProtocol, Reason: "jsonrpc_protocol"}
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"server closed idle connection",
	"no such host",
}

var protocolMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"cannot unmarshal",
	"unexpected end of json",
}

// Wrap converts a raw adapter error into the bridge error taxonomy.
// Cancellation and errors that are already classified pass through untouched.
func Wrap(chain, op string, err error) error {
	if err == nil {
		return nil
	}
	var transient *bridge.TransientRpcError
	var protocol *bridge.RpcProtocolError
	if errors.As(err, &transient) || errors.As(err, &protocol) {
		return err
	}
	switch Classify(err).Class {
	case ClassCanceled:
		return err
	case ClassTransient:
		return &bridge.TransientRpcError{Chain: chain, Op: op, Err: err}
	default:
		return &bridge.RpcProtocolError{Chain: chain, Op: op, Err: err}
	}
}

// Backoff computes exponential delays: Initial * Multiplier^attempt, capped at
// Max, with +/- Jitter applied as a fraction of the delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	rand func() float64
}

// DefaultBackoff mirrors the five second base delay used for RPC reconnects.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    5 * time.Second,
		Max:        2 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d += d * b.Jitter * (2*r() - 1)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
