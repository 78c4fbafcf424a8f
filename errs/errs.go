// Package errs provides structured error types and helpers for Sentinel services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies an error category used for propagation decisions.
type Kind string

const (
	// KindValidation indicates a semantic constraint violation; surfaced to the caller.
	KindValidation Kind = "validation"
	// KindConflict indicates the entity changed between read and lock; treated as no-op success.
	KindConflict Kind = "conflict"
	// KindTransient indicates a temporary store failure; retried on the next qualifying tick.
	KindTransient Kind = "transient_store"
	// KindNotifier indicates a chat-platform delivery failure; absorbed and logged.
	KindNotifier Kind = "notifier"
	// KindAdapter indicates an exchange feed failure; absorbed inside the adapter.
	KindAdapter Kind = "adapter"
	// KindNotFound indicates a missing entity.
	KindNotFound Kind = "not_found"
	// KindConfig indicates invalid boot configuration; aborts startup.
	KindConfig Kind = "config"
	// KindUnavailable indicates a component is temporarily unable to accept work.
	KindUnavailable Kind = "unavailable"
)

// E captures structured error information produced across the Sentinel stack.
type E struct {
	Component  string
	Kind       Kind
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	EntityKind string
	EntityID   string
	Metadata   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error kind.
func New(component string, kind Kind, opts ...Option) *E {
	e := &E{
		Component:  strings.TrimSpace(component),
		Kind:       kind,
		HTTP:       0,
		RawCode:    "",
		RawMsg:     "",
		Message:    "",
		EntityKind: "",
		EntityID:   "",
		Metadata:   nil,
		cause:      nil,
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

// WithEntity records the entity the failure relates to.
func WithEntity(kind, id string) Option {
	return func(e *E) {
		e.EntityKind = strings.TrimSpace(kind)
		e.EntityID = strings.TrimSpace(id)
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw upstream error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw upstream error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
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
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.EntityKind != "" || e.EntityID != "" {
		parts = append(parts, "entity="+e.EntityKind+"/"+e.EntityID)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
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

// KindOf extracts the error kind from err or any error it wraps.
func KindOf(err error) Kind {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Validation returns a standardized validation error for the component.
func Validation(component, msg string) *E {
	return New(component, KindValidation, WithMessage(strings.TrimSpace(msg)))
}
