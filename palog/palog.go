// Package palog wires the structured-logging and out-of-band-diagnostic
// hooks shared by every ParrotDB package. The teacher repo leans on bare
// log.Printf; here we route the same calls through a zap.Logger so
// allocator and tokenizer warnings (spec.md's "warning hook") show up as
// structured fields instead of free-form text.
package palog

import "go.uber.org/zap"

// ErrorKind classifies a warning raised by a WarningFunc.
type ErrorKind int

const (
	KindInfo ErrorKind = iota
	KindShape
	KindFull
	KindDup
	KindNotExist
	KindUnbalanced
	KindAbort
	KindIO
	KindFail
)

func (k ErrorKind) String() string {
	switch k {
	case KindShape:
		return "shape"
	case KindFull:
		return "full"
	case KindDup:
		return "dup"
	case KindNotExist:
		return "not-exist"
	case KindUnbalanced:
		return "unbalanced"
	case KindAbort:
		return "abort"
	case KindIO:
		return "io"
	case KindFail:
		return "fail"
	default:
		return "info"
	}
}

// WarningFunc receives an out-of-band diagnostic. Allocator and tokenizer
// functions never abort on these; they return a null atom or a FAIL token
// and call the warning hook instead (spec.md §7).
type WarningFunc func(kind ErrorKind, msg string)

var logger = zap.NewNop()

// SetLogger installs the process-wide logger used by the default
// WarningFunc. Pass zap.NewNop() (the default) to silence it.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// Logger returns the currently installed logger.
func Logger() *zap.Logger {
	return logger
}

// Default is the WarningFunc every package falls back to when the caller
// doesn't supply its own: it forwards to the installed zap.Logger at Warn
// level, tagged with the diagnostic kind.
func Default(kind ErrorKind, msg string) {
	logger.Warn(msg, zap.String("kind", kind.String()))
}
