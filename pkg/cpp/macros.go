package cpp

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// MacroKind distinguishes object-like, function-like and builtin macros.
type MacroKind int

const (
	MacroObject MacroKind = iota
	MacroFunction
	MacroBuiltin
)

func (k MacroKind) String() string {
	switch k {
	case MacroObject:
		return "object"
	case MacroFunction:
		return "function"
	case MacroBuiltin:
		return "builtin"
	default:
		return "unknown"
	}
}

// Macro is one macro definition. Replacement holds the body with leading
// and trailing whitespace removed.
type Macro struct {
	Name         string
	Kind         MacroKind
	Params       []string
	IsVariadic   bool
	VariadicName string // __VA_ARGS__, or the GNU "args..." name
	Replacement  []Token
	Loc          SourceLoc
	Version      int

	// BuiltinFunc produces the expansion of a builtin at the given use site.
	BuiltinFunc func(loc SourceLoc) []Token
}

// paramIndex returns the position of name among the parameters, with the
// variadic parameter last, or -1.
func (m *Macro) paramIndex(name string) int {
	if i := slices.Index(m.Params, name); i >= 0 {
		return i
	}
	if m.IsVariadic && name == m.VariadicName {
		return len(m.Params)
	}
	return -1
}

// String renders the definition in "#define" form, without the directive.
func (m *Macro) String() string {
	var sb strings.Builder
	sb.WriteString(m.Name)
	if m.Kind == MacroFunction {
		params := slices.Clone(m.Params)
		if m.IsVariadic {
			if m.VariadicName == "__VA_ARGS__" {
				params = append(params, "...")
			} else {
				params = append(params, m.VariadicName+"...")
			}
		}
		sb.WriteString("(" + strings.Join(params, ", ") + ")")
	}
	if len(m.Replacement) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(TokensToString(m.Replacement))
	}
	return sb.String()
}

// sameDefinition reports whether two definitions are identical in the
// sense that redefining one as the other is allowed silently. Whitespace
// separations count, their spelling does not.
func (m *Macro) sameDefinition(o *Macro) bool {
	if m.Kind != o.Kind || m.IsVariadic != o.IsVariadic || m.VariadicName != o.VariadicName ||
		!slices.Equal(m.Params, o.Params) {
		return false
	}
	a, b := squeeze(m.Replacement), squeeze(o.Replacement)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].isSpace() != b[i].isSpace() {
			return false
		}
		if !a[i].isSpace() && a[i].Text != b[i].Text {
			return false
		}
	}
	return true
}

// squeeze collapses runs of whitespace and comments into a single token.
func squeeze(tokens []Token) []Token {
	var out []Token
	for _, tok := range tokens {
		if tok.isSpace() && len(out) > 0 && out[len(out)-1].isSpace() {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// MacroEventKind names a change to the macro table.
type MacroEventKind int

const (
	MacroDefined MacroEventKind = iota
	MacroRedefined
	MacroUndefined
)

func (k MacroEventKind) String() string {
	switch k {
	case MacroDefined:
		return "define"
	case MacroRedefined:
		return "redefine"
	case MacroUndefined:
		return "undef"
	default:
		return "unknown"
	}
}

// MacroEvent records one change in a table's history.
type MacroEvent struct {
	Kind    MacroEventKind
	Name    string
	Version int
	Loc     SourceLoc
}

// MacroTable maps macro names to their current definitions.
type MacroTable struct {
	macros  map[string]*Macro
	version int
	history []MacroEvent
}

// NewMacroTable creates a table holding the builtin macros.
func NewMacroTable() *MacroTable {
	t := &MacroTable{macros: make(map[string]*Macro)}
	t.macros["__FILE__"] = &Macro{Name: "__FILE__", Kind: MacroBuiltin, BuiltinFunc: t.GetFileToken}
	t.macros["__LINE__"] = &Macro{Name: "__LINE__", Kind: MacroBuiltin, BuiltinFunc: t.GetLineToken}
	// _Pragma operators are accepted and dropped.
	t.macros["_Pragma"] = &Macro{Name: "_Pragma", Kind: MacroFunction, Params: []string{"x"}}
	return t
}

// GetFileToken returns the expansion of __FILE__ at loc.
func (t *MacroTable) GetFileToken(loc SourceLoc) []Token {
	return []Token{{Type: PP_STRING, Text: strconv.Quote(loc.File), Loc: loc}}
}

// GetLineToken returns the expansion of __LINE__ at loc.
func (t *MacroTable) GetLineToken(loc SourceLoc) []Token {
	return []Token{{Type: PP_NUMBER, Text: strconv.Itoa(loc.Line), Loc: loc}}
}

// Define installs m. When a different definition already exists, the new
// one replaces it and a RedefinitionConflict error is returned; callers
// treat it as a warning. Builtins cannot be replaced.
func (t *MacroTable) Define(m *Macro) error {
	if m.Name == "defined" {
		return errorf(ErrInvalidDirective, m.Loc, `"defined" cannot be used as a macro name`)
	}
	old, exists := t.macros[m.Name]
	if exists && old.Kind == MacroBuiltin {
		return errorf(ErrRedefinition, m.Loc, "redefining builtin macro %s", m.Name)
	}
	if exists && old.sameDefinition(m) {
		return nil
	}

	t.version++
	m.Version = t.version
	t.macros[m.Name] = m

	if exists {
		t.history = append(t.history, MacroEvent{Kind: MacroRedefined, Name: m.Name, Version: m.Version, Loc: m.Loc})
		msg := fmt.Sprintf("%q redefined", m.Name)
		if old.Loc.Line > 0 {
			msg += fmt.Sprintf(" (previous definition at %s)", old.Loc)
		}
		return errorf(ErrRedefinition, m.Loc, "%s", msg)
	}
	t.history = append(t.history, MacroEvent{Kind: MacroDefined, Name: m.Name, Version: m.Version, Loc: m.Loc})
	return nil
}

// DefineSimple defines an object-like macro whose body is lexed from value.
func (t *MacroTable) DefineSimple(name, value string) error {
	return t.Define(&Macro{Name: name, Kind: MacroObject, Replacement: lexBody(value)})
}

// DefineFunction defines a function-like macro. A trailing "..." parameter
// makes it variadic.
func (t *MacroTable) DefineFunction(name string, params []string, body string) error {
	m := &Macro{Name: name, Kind: MacroFunction}
	for _, p := range params {
		switch {
		case p == "...":
			m.IsVariadic, m.VariadicName = true, "__VA_ARGS__"
		case strings.HasSuffix(p, "..."):
			m.IsVariadic, m.VariadicName = true, strings.TrimSuffix(p, "...")
		default:
			m.Params = append(m.Params, p)
		}
	}
	m.Replacement = lexBody(body)
	if err := validateMacro(m); err != nil {
		return err
	}
	return t.Define(m)
}

// DefineFromDirective installs the macro described by a parsed #define.
func (t *MacroTable) DefineFromDirective(dir *Directive) error {
	if dir.Macro == nil {
		return errorf(ErrInvalidDirective, dir.Loc, "no macro name given in #define directive")
	}
	return t.Define(dir.Macro)
}

// DefineFromString handles a command-line definition: "NAME", "NAME=body"
// or "NAME(a,b)=body". A bare name defines it as 1.
func (t *MacroTable) DefineFromString(def string) error {
	name, body, hasBody := strings.Cut(def, "=")
	if !hasBody {
		body = "1"
	}
	loc := SourceLoc{File: "<command line>", Line: 1, Column: 1}
	tokens := lexBody("define " + name + " " + body)
	for i := range tokens {
		tokens[i].Loc = loc
	}
	dir, err := ParseDirectiveFromTokens(tokens, loc)
	if err != nil {
		return err
	}
	return t.DefineFromDirective(dir)
}

// ApplyCmdlineDefines applies -D and -U options in order, defines first.
func (t *MacroTable) ApplyCmdlineDefines(defines, undefines []string) error {
	var errs []error
	for _, d := range defines {
		if err := t.DefineFromString(d); err != nil {
			errs = append(errs, fmt.Errorf("-D%s: %w", d, err))
		}
	}
	for _, u := range undefines {
		t.Undefine(u)
	}
	return joinErrors(errs)
}

// Undefine removes name and reports whether it was defined. Builtins stay.
func (t *MacroTable) Undefine(name string) bool {
	return t.undefineAt(name, SourceLoc{})
}

func (t *MacroTable) undefineAt(name string, loc SourceLoc) bool {
	m, ok := t.macros[name]
	if !ok || m.Kind == MacroBuiltin {
		return false
	}
	delete(t.macros, name)
	t.version++
	t.history = append(t.history, MacroEvent{Kind: MacroUndefined, Name: name, Version: t.version, Loc: loc})
	return true
}

// Lookup returns the current definition of name, or nil.
func (t *MacroTable) Lookup(name string) *Macro {
	return t.macros[name]
}

// IsDefined reports whether name is currently a macro.
func (t *MacroTable) IsDefined(name string) bool {
	_, ok := t.macros[name]
	return ok
}

// Names returns the defined macro names in sorted order.
func (t *MacroTable) Names() []string {
	return slices.Sorted(maps.Keys(t.macros))
}

// Len returns the number of defined macros, builtins included.
func (t *MacroTable) Len() int {
	return len(t.macros)
}

// History returns the define/undef events in the order they happened.
func (t *MacroTable) History() []MacroEvent {
	return slices.Clone(t.history)
}

// Clone returns an independent copy. Definitions are shared since they
// are never modified once installed.
func (t *MacroTable) Clone() *MacroTable {
	c := NewMacroTable()
	for name, m := range t.macros {
		if m.Kind != MacroBuiltin {
			c.macros[name] = m
		}
	}
	c.version = t.version
	c.history = slices.Clone(t.history)
	return c
}

// validateMacro checks the constraints on a function-like definition:
// unique parameter names, # applied to parameters only, ## not at either
// end of the body.
func validateMacro(m *Macro) error {
	seen := make(map[string]bool)
	for _, p := range m.Params {
		if seen[p] {
			return errorf(ErrInvalidDirective, m.Loc, "duplicate macro parameter %q", p)
		}
		seen[p] = true
	}
	if m.IsVariadic && seen[m.VariadicName] {
		return errorf(ErrInvalidDirective, m.Loc, "duplicate macro parameter %q", m.VariadicName)
	}

	body := m.Replacement
	if len(body) > 0 && (body[0].Type == PP_HASHHASH || body[len(body)-1].Type == PP_HASHHASH) {
		return errorf(ErrInvalidDirective, body[0].Loc, "'##' cannot appear at either end of a macro expansion")
	}
	if m.Kind != MacroFunction {
		return nil
	}
	for i, tok := range body {
		if tok.Type != PP_PUNCTUATOR || tok.Text != "#" {
			continue
		}
		j := skipSpace(body, i+1)
		if j >= len(body) || body[j].Type != PP_IDENTIFIER ||
			(m.paramIndex(body[j].Text) < 0 && body[j].Text != "__VA_OPT__") {
			return errorf(ErrInvalidDirective, tok.Loc, "'#' is not followed by a macro parameter")
		}
	}
	return nil
}

// lexBody tokenizes a macro body or directive fragment, dropping the
// newline and EOF tokens and trimming outer whitespace.
func lexBody(s string) []Token {
	lex := NewLexer(s, "")
	var out []Token
	for tok := range lex.Tokens() {
		if tok.Type != PP_NEWLINE {
			out = append(out, tok)
		}
	}
	// A leading # lexes as a directive marker; inside a body it is an operator.
	for i := range out {
		if out[i].Type == PP_HASH {
			out[i].Type = PP_PUNCTUATOR
		}
	}
	return trimWhitespace(out)
}

// skipSpace returns the index of the first non-space token at or after i.
func skipSpace(tokens []Token, i int) int {
	for i < len(tokens) && tokens[i].isSpace() {
		i++
	}
	return i
}

// trimWhitespace removes leading and trailing whitespace and comments.
func trimWhitespace(tokens []Token) []Token {
	start := 0
	for start < len(tokens) && tokens[start].isSpace() {
		start++
	}
	end := len(tokens)
	for end > start && tokens[end-1].isSpace() {
		end--
	}
	return tokens[start:end]
}
