package model

import (
	"errors"
	"fmt"
)

// Kind classifies a rendering failure
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig       // bad template or config, caught before spawning
	KindInput        // malformed request reaching the worker
	KindSpawn        // worker process could not be created
	KindTimeout      // deadline exceeded
	KindRender       // rendering surface never became ready
	KindWorker       // worker exited nonzero or produced no output
)

var kindNames = map[Kind]string{
	KindUnknown: "UnknownError",
	KindConfig:  "ConfigError",
	KindInput:   "InputError",
	KindSpawn:   "SpawnError",
	KindTimeout: "TimeoutError",
	KindRender:  "RenderError",
	KindWorker:  "WorkerError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Worker exit statuses. The status is the only structured signal that
// crosses the process boundary on failure.
const (
	ExitOK     = 0
	ExitWorker = 1
	ExitInput  = 2
	ExitRender = 3
	ExitConfig = 4
)

// ExitCode returns the worker exit status that reports k
func (k Kind) ExitCode() int {
	switch k {
	case KindInput:
		return ExitInput
	case KindRender:
		return ExitRender
	case KindConfig:
		return ExitConfig
	default:
		return ExitWorker
	}
}

// KindForExit maps a nonzero worker exit status back to a kind
func KindForExit(code int) Kind {
	switch code {
	case ExitInput:
		return KindInput
	case ExitRender:
		return KindRender
	case ExitConfig:
		return KindConfig
	default:
		return KindWorker
	}
}

// Error is the typed failure returned by every rendering component
type Error struct {
	Kind Kind
	Msg  string
	Err  error
	// Ignorable marks benign no-op failures, such as teardown errors after a
	// successful capture. Callers may log and drop them.
	Ignorable bool
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind with a formatted message
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around err
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsIgnorable reports whether err is a benign failure
func IsIgnorable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Ignorable
}
