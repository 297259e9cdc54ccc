package cpp

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per diagnostic kind. An *Error unwraps to one of
// these so callers can test with errors.Is.
var (
	ErrLex                     = errors.New("lex error")
	ErrRedefinition            = errors.New("macro redefinition conflict")
	ErrArgumentCount           = errors.New("macro argument count mismatch")
	ErrPaste                   = errors.New("invalid token paste")
	ErrUnterminatedInvocation  = errors.New("unterminated macro invocation")
	ErrDivisionByZero          = errors.New("division by zero")
	ErrSyntax                  = errors.New("syntax error")
	ErrUnmatchedEndif          = errors.New("unmatched #endif")
	ErrUnterminatedConditional = errors.New("unterminated conditional")
	ErrUser                    = errors.New("#error")
	ErrRecursionLimit          = errors.New("macro recursion limit exceeded")
	ErrInvalidDirective        = errors.New("invalid directive")
	ErrUnsupported             = errors.New("unsupported directive")
)

// Error is a located preprocessing error.
type Error struct {
	Kind error
	Loc  SourceLoc
	Msg  string
}

func (e *Error) Error() string {
	if e.Loc.Line == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Loc, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func errorf(kind error, loc SourceLoc, format string, args ...any) *Error {
	return &Error{Kind: kind, Loc: loc, Msg: fmt.Sprintf(format, args...)}
}

// Severity classifies a Diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// MarshalText renders the severity in YAML and text reports.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "warning" or "error".
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Diagnostic is a message attached to a source position. Fatal diagnostics
// stop processing of the translation unit that produced them.
type Diagnostic struct {
	Severity Severity
	Loc      SourceLoc
	Msg      string
	Err      error
	Fatal    bool
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Loc, d.Severity, d.Msg)
}

// Is reports whether the diagnostic was caused by target.
func (d Diagnostic) Is(target error) bool {
	return d.Err != nil && errors.Is(d.Err, target)
}

func diagnosticFromError(sev Severity, err error, fallback SourceLoc) Diagnostic {
	var pe *Error
	if errors.As(err, &pe) {
		loc := pe.Loc
		if loc.Line == 0 {
			loc = fallback
		}
		return Diagnostic{Severity: sev, Loc: loc, Msg: pe.Msg, Err: err}
	}
	return Diagnostic{Severity: sev, Loc: fallback, Msg: err.Error(), Err: err}
}
