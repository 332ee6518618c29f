// Package errs provides structured error types and helpers for bastion services.
package errs

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the failure family of an engine error.
type Kind string

const (
	// KindValidation indicates malformed input such as a bad symbol, price or confidence.
	KindValidation Kind = "validation"
	// KindGateRejected indicates a risk gate refused the trade.
	KindGateRejected Kind = "gate_rejected"
	// KindLiquidity indicates insufficient available balance on the target venue.
	KindLiquidity Kind = "liquidity"
	// KindTransient indicates a timeout or network failure talking to a venue.
	KindTransient Kind = "venue_transient"
	// KindPermanent indicates the venue rejected the request parameters.
	KindPermanent Kind = "venue_permanent"
	// KindConsistency indicates a cancellation or closure could not be verified.
	KindConsistency Kind = "consistency"
	// KindProtectionIncomplete indicates an entry filled but its protective orders did not all land.
	KindProtectionIncomplete Kind = "protection_incomplete"
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "unknown"
)

// E captures structured error information produced across the engine.
type E struct {
	Kind        Kind
	Venue       string
	Symbol      string
	Gate        string
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope of the given kind.
func New(kind Kind, opts ...Option) *E {
	if strings.TrimSpace(string(kind)) == "" {
		kind = KindUnknown
	}
	e := &E{
		Kind:        kind,
		Venue:       "",
		Symbol:      "",
		Gate:        "",
		Message:     "",
		Remediation: "",
		Metadata:    nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithVenue records the venue involved in the failure.
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithSymbol records the instrument involved in the failure.
func WithSymbol(symbol string) Option {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithGate records which risk gate rejected the trade.
func WithGate(gate string) Option {
	trimmed := strings.TrimSpace(gate)
	return func(e *E) {
		e.Gate = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"kind=" + string(e.Kind)}
	if e.Gate != "" {
		parts = append(parts, "gate="+e.Gate)
	}
	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Reason renders the error as a sentence suitable for the user-facing layer.
func (e *E) Reason() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = strings.ReplaceAll(string(e.Kind), "_", " ")
	}
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

// KindOf reports the kind of the first envelope found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	if isTimeout(err) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether err carries the provided kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err is a timeout or network failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// Reason extracts a human-readable explanation from any error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Validation returns a validation envelope with the provided message.
func Validation(msg string, opts ...Option) *E {
	return New(KindValidation, append([]Option{WithMessage(msg)}, opts...)...)
}

// Rejected returns a gate rejection envelope naming the gate that failed.
func Rejected(gate, msg string, opts ...Option) *E {
	return New(KindGateRejected, append([]Option{WithGate(gate), WithMessage(msg)}, opts...)...)
}
