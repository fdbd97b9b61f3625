// Package bridge defines the error taxonomy shared by every stage of the
// indexing pipeline. Each class is a distinct type so callers can route on it
// with errors.As regardless of how deeply the error was wrapped.
package bridge

import (
	"errors"
	"fmt"
)

// TransientRpcError is a network, timeout or rate-limit failure from a chain
// endpoint. The batch that hit it is retried.
type TransientRpcError struct {
	Chain string
	Op    string
	Err   error
}

func (e *TransientRpcError) Error() string {
	return fmt.Sprintf("%s: transient rpc error in %s: %v", e.Chain, e.Op, e.Err)
}

func (e *TransientRpcError) Unwrap() error { return e.Err }

// RpcProtocolError is an unexpected or unparseable RPC response. It stops the
// chain's watcher.
type RpcProtocolError struct {
	Chain string
	Op    string
	Err   error
}

func (e *RpcProtocolError) Error() string {
	return fmt.Sprintf("%s: rpc protocol error in %s: %v", e.Chain, e.Op, e.Err)
}

func (e *RpcProtocolError) Unwrap() error { return e.Err }

// MalformedEventError marks a single log or instruction that matched a
// monitored source and signature but could not be decoded.
type MalformedEventError struct {
	Chain     string
	Height    uint64
	TxID      string
	ItemIndex uint64
	Event     string
	Err       error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("%s: malformed %s at height %d tx %s item %d: %v",
		e.Chain, e.Event, e.Height, e.TxID, e.ItemIndex, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// ReorgDepthExceededError means no common ancestor was found within the
// configured maximum reorg depth.
type ReorgDepthExceededError struct {
	Chain      string
	FromHeight uint64
	MaxDepth   uint64
}

func (e *ReorgDepthExceededError) Error() string {
	return fmt.Sprintf("%s: reorg deeper than %d blocks below height %d", e.Chain, e.MaxDepth, e.FromHeight)
}

// PersistenceError wraps a failed storage transaction. The batch is retried
// from the same starting cursor.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigError is a missing or invalid setting, or an incompatible schema.
// It is fatal to the whole process.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError from a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err should cause the same batch to be retried.
func IsRetryable(err error) bool {
	var transient *TransientRpcError
	var persistence *PersistenceError
	return errors.As(err, &transient) || errors.As(err, &persistence)
}

// IsChainFatal reports whether err should stop the chain's watcher.
func IsChainFatal(err error) bool {
	var protocol *RpcProtocolError
	var depth *ReorgDepthExceededError
	return errors.As(err, &protocol) || errors.As(err, &depth)
}
