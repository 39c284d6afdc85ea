// Package ierrors is the single choke point clusterd uses for error creation,
// wrapping, and inspection. Every internal package imports ierrors instead of
// cockroachdb/errors directly, so the underlying implementation can change
// in one place.
package ierrors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping.
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details.
var (
	WithHint   = crdb.WithHint
	WithHintf  = crdb.WithHintf
	WithDetail = crdb.WithDetail
)

// Error inspection.
var (
	Is = crdb.Is
	As = crdb.As
)

// Kind is the taxonomy from spec §7, used by adapters to map an error to a
// wire status (HTTP / gRPC) without internal packages knowing about either.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidFEN
	KindEngine
	KindPoolExhausted
	KindAnalysisTimeout
	KindAnalysisCancelled
	KindUnauthenticated
	KindMissingAuth
	KindNotLeader
	KindNodeNotFound
	KindClusterUnavailable
	KindStorage
	KindConfig
	KindNetwork
)

// Kinded wraps an error with a Kind so that a wire adapter can recover it via
// As without inspecting error strings.
type Kinded struct {
	error
	Kind Kind
}

func (k *Kinded) Unwrap() error { return k.error }

// WithKind tags err with a taxonomy Kind, preserving the cockroachdb stack.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &Kinded{error: err, Kind: kind}
}

// KindOf extracts the Kind attached by WithKind, or KindUnknown if none.
func KindOf(err error) Kind {
	var k *Kinded
	if As(err, &k) {
		return k.Kind
	}
	return KindUnknown
}
