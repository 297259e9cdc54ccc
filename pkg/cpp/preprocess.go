// preprocess.go implements the main preprocessor driver.
package cpp

import (
	"errors"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Preprocessor is the main driver for C preprocessing. A Preprocessor is
// not safe for concurrent use; run one per goroutine.
type Preprocessor struct {
	macros      *MacroTable
	conditional *ConditionalProcessor
	expander    *Expander
	opts        PreprocessorOptions
	log         *zap.Logger
	setupErrs   []error

	// per-run state
	result  *Result
	stopped bool
}

// PreprocessorOptions configures the preprocessor.
type PreprocessorOptions struct {
	Defines           []string    // -D definitions
	Undefines         []string    // -U undefinitions
	Predefined        *MacroTable // cloned as the starting table when set
	SkipExpand        []string    // macros that are never expanded
	MaxExpansionDepth int         // 0 means DefaultMaxExpansionDepth
	KeepComments      bool        // Preserve comments in output
	KeepLines         bool        // Blank out directives and skipped lines instead of dropping them
	LineMarkers       bool        // Start output with a # 1 "file" marker
	Logger            *zap.Logger

	// OnDefine is called after each #define is installed and OnExpand
	// after each macro expansion. When options are shared by ProcessAll
	// the hooks run concurrently.
	OnDefine func(m *Macro)
	OnExpand func(m *Macro, args [][]Token)
}

// Result is the outcome of preprocessing one translation unit.
type Result struct {
	File        string
	Tokens      []Token
	Diagnostics []Diagnostic
}

// Text renders the live output.
func (r *Result) Text() string {
	return TokensToString(r.Tokens)
}

// HasErrors reports whether any error-severity diagnostic was produced.
func (r *Result) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Fatal reports whether processing stopped early.
func (r *Result) Fatal() bool {
	for _, d := range r.Diagnostics {
		if d.Fatal {
			return true
		}
	}
	return false
}

// Err combines all error diagnostics into one error, or returns nil.
func (r *Result) Err() error {
	var err error
	for _, d := range r.Diagnostics {
		if d.Severity != SeverityError {
			continue
		}
		if d.Err != nil {
			err = multierr.Append(err, d.Err)
		} else {
			err = multierr.Append(err, errors.New(d.String()))
		}
	}
	return err
}

// NewPreprocessor creates a new preprocessor instance.
func NewPreprocessor(opts PreprocessorOptions) *Preprocessor {
	macros := NewMacroTable()
	if opts.Predefined != nil {
		macros = opts.Predefined.Clone()
	}

	var setupErrs []error
	if err := macros.ApplyCmdlineDefines(opts.Defines, opts.Undefines); err != nil {
		setupErrs = multierr.Errors(err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	expander := NewExpander(macros)
	expander.SetMaxDepth(opts.MaxExpansionDepth)
	expander.SetSkip(opts.SkipExpand)
	expander.SetOnExpand(opts.OnExpand)

	return &Preprocessor{
		macros:      macros,
		conditional: NewConditionalProcessor(macros, expander),
		expander:    expander,
		opts:        opts,
		log:         log,
		setupErrs:   setupErrs,
	}
}

// Macros returns the macro table for inspection.
func (p *Preprocessor) Macros() *MacroTable {
	return p.macros
}

// PreprocessString preprocesses a string with a given filename for error
// messages. Warnings are dropped; any error diagnostic fails the call.
func (p *Preprocessor) PreprocessString(source, filename string) (string, error) {
	res := p.Process(source, filename)
	if err := res.Err(); err != nil {
		return "", err
	}
	return res.Text(), nil
}

// Evaluate evaluates expr as the expression of an #if against the current
// macro table.
func (p *Preprocessor) Evaluate(expr string) (Value, error) {
	lex := NewLexer(expr, "<eval>")
	tokens := lex.AllTokens()
	tokens = tokens[:len(tokens)-1]
	if errs := lex.TakeErrors(); len(errs) > 0 {
		return Value{}, errs[0]
	}
	loc := SourceLoc{File: "<eval>", Line: 1, Column: 1}
	return p.conditional.EvaluateValue(tokens, loc)
}

// Process preprocesses one translation unit. The macro table carries over
// between calls; the conditional stack does not.
func (p *Preprocessor) Process(source, filename string) *Result {
	p.result = &Result{File: filename}
	p.stopped = false
	p.conditional.stack = nil

	for _, err := range p.setupErrs {
		sev := SeverityError
		if errors.Is(err, ErrRedefinition) {
			sev = SeverityWarning
		}
		p.report(diagnosticFromError(sev, err, SourceLoc{File: "<command line>"}))
	}
	p.setupErrs = nil

	if p.opts.LineMarkers {
		p.emit(Token{Type: PP_HASH, Text: "#"},
			Token{Type: PP_WHITESPACE, Text: " "},
			Token{Type: PP_NUMBER, Text: "1"},
			Token{Type: PP_WHITESPACE, Text: " "},
			Token{Type: PP_STRING, Text: strconv.Quote(filename)},
			Token{Type: PP_NEWLINE, Text: "\n"})
	}

	p.log.Debug("preprocessing", zap.String("file", filename), zap.Int("bytes", len(source)))
	p.run(NewLexer(source, filename))

	if !p.stopped {
		if err := p.conditional.CheckBalanced(); err != nil {
			d := diagnosticFromError(SeverityError, err, SourceLoc{File: filename})
			d.Fatal = true
			p.report(d)
		}
	}
	return p.result
}

// run is the main loop: one logical line at a time, except that text lines
// are joined while a macro invocation on them may still be open.
func (p *Preprocessor) run(lex *Lexer) {
	var pending []Token
	pendingLines := 0
	start := 1

	for !p.stopped {
		line, end, eof := readLine(lex)
		lexErrs := lex.TakeErrors()
		if len(line) == 0 {
			break
		}
		// Physical lines covered, counting continuations and comments
		span := end - start
		start = end

		if hash := skipSpace(line, 0); hash < len(line) && line[hash].Type == PP_HASH {
			if pending != nil {
				p.expandText(pending, pendingLines, true)
				pending, pendingLines = nil, 0
			}
			p.processDirective(line[hash:], lexErrs)
			p.blankLines(span)
		} else if !p.conditional.IsActive() {
			p.blankLines(span)
		} else {
			for _, err := range lexErrs {
				p.report(diagnosticFromError(SeverityError, err, err.Loc))
			}
			pending = append(pending, p.textTokens(line)...)
			pendingLines += span
			if p.expandText(pending, pendingLines, eof) {
				pending, pendingLines = nil, 0
			}
		}

		if eof {
			break
		}
	}

	if pending != nil && !p.stopped {
		p.expandText(pending, pendingLines, true)
	}
}

// readLine returns the tokens of the next line including its newline, the
// physical line the following line starts on, and whether the input ended.
func readLine(lex *Lexer) ([]Token, int, bool) {
	var line []Token
	for {
		tok := lex.NextToken()
		if tok.Type == PP_EOF {
			return line, tok.Loc.Line, true
		}
		line = append(line, tok)
		if tok.Type == PP_NEWLINE {
			return line, tok.Loc.Line + 1, false
		}
	}
}

// textTokens prepares a text line for expansion.
func (p *Preprocessor) textTokens(line []Token) []Token {
	if p.opts.KeepComments {
		return line
	}
	return commentsToSpace(line)
}

// expandText expands pending text lines and emits the result. lines is
// the number of physical line breaks they cover. It reports false when an
// invocation may still be open and more lines could close it; with final
// set an open invocation is an error instead.
func (p *Preprocessor) expandText(tokens []Token, lines int, final bool) bool {
	var out []Token
	var err error
	if final {
		out, err = p.expander.Expand(tokens)
	} else {
		out, err = p.expander.expandPartial(tokens)
		if errors.Is(err, ErrUnterminatedInvocation) {
			return false
		}
	}

	if err != nil {
		p.report(diagnosticFromError(SeverityError, err, tokens[0].Loc))
		out = nil
	}
	out = trimLineEnds(out)
	p.emit(out...)

	// Newlines inside invocation arguments and comments are consumed
	if p.opts.KeepLines {
		p.blankLines(lines - countLineBreaks(out))
	} else if err != nil && countNewlines(tokens) > 0 {
		p.emit(Token{Type: PP_NEWLINE, Text: "\n"})
	}
	return true
}

// processDirective handles a preprocessing directive. tokens start at "#".
func (p *Preprocessor) processDirective(tokens []Token, lexErrs []*Error) {
	loc := tokens[0].Loc
	dir, err := ParseDirectiveFromTokens(tokens[1:], loc)

	// Conditionals are tracked in every region
	if dir != nil && dir.Type.IsConditional() {
		if p.conditionalLive(dir.Type) {
			for _, lerr := range lexErrs {
				p.report(diagnosticFromError(SeverityError, lerr, lerr.Loc))
			}
			if err != nil {
				p.report(diagnosticFromError(SeverityError, err, loc))
			}
		}
		p.processConditional(dir)
		return
	}

	// Other directives are only processed in active blocks
	if !p.conditional.IsActive() {
		return
	}

	for _, lerr := range lexErrs {
		sev := SeverityError
		if dir != nil && (dir.Type == DIR_ERROR || dir.Type == DIR_WARNING) {
			sev = SeverityWarning
		}
		p.report(diagnosticFromError(sev, lerr, lerr.Loc))
	}
	if err != nil {
		p.report(diagnosticFromError(SeverityError, err, loc))
		return
	}

	p.log.Debug("directive",
		zap.String("file", loc.File),
		zap.Int("line", loc.Line),
		zap.Stringer("directive", dir.Type))

	switch dir.Type {
	case DIR_DEFINE:
		p.define(dir)
	case DIR_UNDEF:
		if m := p.macros.Lookup(dir.Identifier); m != nil && m.Kind == MacroBuiltin {
			p.report(diagnosticFromError(SeverityWarning,
				errorf(ErrRedefinition, loc, "undefining builtin macro %s", m.Name), loc))
		} else if p.macros.undefineAt(dir.Identifier, loc) {
			p.log.Debug("undef", zap.String("macro", dir.Identifier))
		}
	case DIR_ERROR:
		p.report(Diagnostic{
			Severity: SeverityError,
			Loc:      loc,
			Msg:      "#error " + dir.Message,
			Err:      errorf(ErrUser, loc, "#error %s", dir.Message),
			Fatal:    true,
		})
		p.stopped = true
	case DIR_WARNING:
		p.report(Diagnostic{Severity: SeverityWarning, Loc: loc, Msg: "#warning " + dir.Message})
	case DIR_INCLUDE:
		p.report(diagnosticFromError(SeverityError,
			errorf(ErrUnsupported, loc, "#%s is not supported: %s", dir.Name, TokensToString(dir.Tokens)), loc))
	case DIR_PRAGMA, DIR_LINE, DIR_EMPTY:
		// accepted, no effect on output
	default:
		p.report(diagnosticFromError(SeverityError,
			errorf(ErrInvalidDirective, loc, "invalid preprocessing directive #%s", dir.Name), loc))
	}
}

// conditionalLive reports whether a malformed conditional directive would
// have been evaluated, which is when its errors are worth reporting.
func (p *Preprocessor) conditionalLive(typ DirectiveType) bool {
	switch typ {
	case DIR_IF, DIR_IFDEF, DIR_IFNDEF:
		return p.conditional.IsActive()
	}
	frames := p.conditional.stack
	return len(frames) > 0 && frames[len(frames)-1].State != FrameDead
}

func (p *Preprocessor) processConditional(dir *Directive) {
	var err error
	switch dir.Type {
	case DIR_IF:
		err = p.conditional.ProcessIf(dir.Expression, dir.Loc)
	case DIR_IFDEF:
		err = p.conditional.ProcessIfdef(dir.Identifier, dir.Loc)
	case DIR_IFNDEF:
		err = p.conditional.ProcessIfndef(dir.Identifier, dir.Loc)
	case DIR_ELIF:
		err = p.conditional.ProcessElif(dir.Expression, dir.Loc)
	case DIR_ELIFDEF:
		err = p.conditional.ProcessElifdef(dir.Identifier, dir.Loc)
	case DIR_ELIFNDEF:
		err = p.conditional.ProcessElifndef(dir.Identifier, dir.Loc)
	case DIR_ELSE:
		err = p.conditional.ProcessElse(dir.Loc)
	case DIR_ENDIF:
		err = p.conditional.ProcessEndif(dir.Loc)
	}
	if err != nil {
		p.report(diagnosticFromError(SeverityError, err, dir.Loc))
	}
	if ce := p.log.Check(zap.DebugLevel, "conditional"); ce != nil {
		ce.Write(
			zap.String("file", dir.Loc.File),
			zap.Int("line", dir.Loc.Line),
			zap.Stringer("directive", dir.Type),
			zap.Int("depth", p.conditional.Depth()),
			zap.Bool("active", p.conditional.IsActive()))
	}
}

func (p *Preprocessor) define(dir *Directive) {
	err := p.macros.DefineFromDirective(dir)
	switch {
	case errors.Is(err, ErrRedefinition):
		p.report(diagnosticFromError(SeverityWarning, err, dir.Loc))
	case err != nil:
		p.report(diagnosticFromError(SeverityError, err, dir.Loc))
		return
	}
	m := p.macros.Lookup(dir.Macro.Name)
	if m != dir.Macro {
		return
	}
	p.log.Debug("define", zap.String("macro", m.Name), zap.Stringer("kind", m.Kind), zap.Int("version", m.Version))
	if p.opts.OnDefine != nil {
		p.opts.OnDefine(m)
	}
}

func (p *Preprocessor) report(d Diagnostic) {
	if d.Severity == SeverityError {
		p.log.Debug("diagnostic", zap.Stringer("loc", d.Loc), zap.String("msg", d.Msg), zap.Bool("fatal", d.Fatal))
	}
	p.result.Diagnostics = append(p.result.Diagnostics, d)
}

func (p *Preprocessor) emit(tokens ...Token) {
	p.result.Tokens = append(p.result.Tokens, tokens...)
}

// blankLines stands in for n physical lines of directives or skipped
// text when line numbers are being kept.
func (p *Preprocessor) blankLines(n int) {
	if !p.opts.KeepLines {
		return
	}
	for range n {
		p.emit(Token{Type: PP_NEWLINE, Text: "\n"})
	}
}

// trimLineEnds drops whitespace in front of each newline.
func trimLineEnds(tokens []Token) []Token {
	out := tokens[:0]
	for _, tok := range tokens {
		if tok.Type == PP_NEWLINE {
			for len(out) > 0 && out[len(out)-1].Type == PP_WHITESPACE {
				out = out[:len(out)-1]
			}
		}
		out = append(out, tok)
	}
	return out
}

func countNewlines(tokens []Token) int {
	n := 0
	for _, tok := range tokens {
		if tok.Type == PP_NEWLINE {
			n++
		}
	}
	return n
}

// countLineBreaks is countNewlines plus the breaks inside kept comments.
func countLineBreaks(tokens []Token) int {
	n := countNewlines(tokens)
	for _, tok := range tokens {
		if tok.Type == PP_COMMENT {
			n += strings.Count(tok.Text, "\n")
		}
	}
	return n
}

func joinErrors(errs []error) error {
	return multierr.Combine(errs...)
}
