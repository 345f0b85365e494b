// Package hints marks errors that end a command early without failing it,
// such as a backup that is not due yet. The CLI exits 0 for them.
//
// Producers keep their own sentinels (engine.ErrNoChanges, replicate.ErrDisabled)
// and the CLI only asks IsHint, so it never imports them.
package hints

import (
	"errors"
	"fmt"
)

// Hint is an error the caller may report as success.
type Hint struct {
	cause error
}

func (h *Hint) Error() string {
	if h == nil || h.cause == nil {
		return "hint"
	}
	return h.cause.Error()
}

func (h *Hint) Unwrap() error { return h.cause }

func New(msg string) error {
	return &Hint{cause: errors.New(msg)}
}

// Wrapf marks err as a hint and prefixes it with a formatted message.
// Wrapf(nil, ...) is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Hint{cause: fmt.Errorf(format+": %w", append(args, err)...)}
}

// IsHint reports whether err or anything it wraps is a Hint.
func IsHint(err error) bool {
	var h *Hint
	return errors.As(err, &h)
}

// Reason returns the message of the outermost hint in err, or "" if there is none.
func Reason(err error) string {
	var h *Hint
	if !errors.As(err, &h) {
		return ""
	}
	return h.Error()
}
