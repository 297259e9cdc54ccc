package cpp

import (
	"strings"
)

// DirectiveType identifies a preprocessing directive.
type DirectiveType int

const (
	DIR_EMPTY DirectiveType = iota // "#" alone on a line
	DIR_DEFINE
	DIR_UNDEF
	DIR_IF
	DIR_IFDEF
	DIR_IFNDEF
	DIR_ELIF
	DIR_ELIFDEF
	DIR_ELIFNDEF
	DIR_ELSE
	DIR_ENDIF
	DIR_ERROR
	DIR_WARNING
	DIR_PRAGMA
	DIR_LINE
	DIR_INCLUDE
	DIR_UNKNOWN
)

var directiveNames = map[string]DirectiveType{
	"define":       DIR_DEFINE,
	"undef":        DIR_UNDEF,
	"if":           DIR_IF,
	"ifdef":        DIR_IFDEF,
	"ifndef":       DIR_IFNDEF,
	"elif":         DIR_ELIF,
	"elifdef":      DIR_ELIFDEF,
	"elifndef":     DIR_ELIFNDEF,
	"else":         DIR_ELSE,
	"endif":        DIR_ENDIF,
	"error":        DIR_ERROR,
	"warning":      DIR_WARNING,
	"pragma":       DIR_PRAGMA,
	"line":         DIR_LINE,
	"include":      DIR_INCLUDE,
	"include_next": DIR_INCLUDE,
	"import":       DIR_INCLUDE,
}

func (d DirectiveType) String() string {
	if d == DIR_EMPTY {
		return "#"
	}
	for name, typ := range directiveNames {
		if typ == d && name != "include_next" && name != "import" {
			return "#" + name
		}
	}
	return "#<unknown>"
}

// IsConditional reports whether the directive belongs to the #if family.
// These are tracked even inside skipped regions.
func (d DirectiveType) IsConditional() bool {
	switch d {
	case DIR_IF, DIR_IFDEF, DIR_IFNDEF, DIR_ELIF, DIR_ELIFDEF, DIR_ELIFNDEF, DIR_ELSE, DIR_ENDIF:
		return true
	}
	return false
}

// Directive is one parsed directive line.
type Directive struct {
	Type DirectiveType
	Name string // as written, e.g. "include_next"
	Loc  SourceLoc

	Identifier string  // #ifdef, #ifndef, #elifdef, #elifndef, #undef
	Expression []Token // #if, #elif
	Message    string  // #error, #warning
	Macro      *Macro  // #define
	Tokens     []Token // everything after the name, for the rest
}

// ParseDirectiveFromTokens parses the tokens following a directive's "#".
// The returned directive is non-nil whenever its type could be
// determined, even if err is set, so conditional nesting can be tracked
// through malformed lines.
func ParseDirectiveFromTokens(tokens []Token, loc SourceLoc) (*Directive, error) {
	tokens = commentsToSpace(trimNewline(tokens))
	i := skipSpace(tokens, 0)
	if i >= len(tokens) {
		return &Directive{Type: DIR_EMPTY, Loc: loc}, nil
	}

	head := tokens[i]
	rest := trimWhitespace(tokens[i+1:])

	// GNU line markers: # 12 "file.c" 1
	if head.Type == PP_NUMBER {
		return &Directive{Type: DIR_LINE, Name: "line", Loc: loc, Tokens: trimWhitespace(tokens[i:])}, nil
	}
	if head.Type != PP_IDENTIFIER {
		return nil, errorf(ErrInvalidDirective, head.Loc, "invalid preprocessing directive #%s", head.Text)
	}

	typ, ok := directiveNames[head.Text]
	if !ok {
		typ = DIR_UNKNOWN
	}
	dir := &Directive{Type: typ, Name: head.Text, Loc: loc, Tokens: rest}

	switch typ {
	case DIR_DEFINE:
		m, err := parseDefine(rest, head.Loc)
		if err != nil {
			return dir, err
		}
		dir.Macro = m
	case DIR_UNDEF, DIR_IFDEF, DIR_IFNDEF, DIR_ELIFDEF, DIR_ELIFNDEF:
		if len(rest) == 0 {
			return dir, errorf(ErrInvalidDirective, head.Loc, "no macro name given in #%s directive", head.Text)
		}
		if rest[0].Type != PP_IDENTIFIER {
			return dir, errorf(ErrInvalidDirective, rest[0].Loc, "macro names must be identifiers")
		}
		dir.Identifier = rest[0].Text
	case DIR_IF, DIR_ELIF:
		dir.Expression = rest
	case DIR_ERROR, DIR_WARNING:
		dir.Message = strings.TrimSpace(TokensToString(rest))
	}
	return dir, nil
}

// parseDefine parses "NAME body" or "NAME(params) body".
func parseDefine(tokens []Token, loc SourceLoc) (*Macro, error) {
	if len(tokens) == 0 {
		return nil, errorf(ErrInvalidDirective, loc, "no macro name given in #define directive")
	}
	name := tokens[0]
	if name.Type != PP_IDENTIFIER {
		return nil, errorf(ErrInvalidDirective, name.Loc, "macro names must be identifiers")
	}
	if name.Text == "defined" {
		return nil, errorf(ErrInvalidDirective, name.Loc, `"defined" cannot be used as a macro name`)
	}
	m := &Macro{Name: name.Text, Kind: MacroObject, Loc: name.Loc}

	// Function-like only when "(" follows the name with no space between.
	i := 1
	if i < len(tokens) && tokens[i].Type == PP_PUNCTUATOR && tokens[i].Text == "(" {
		m.Kind = MacroFunction
		var err error
		i, err = parseParams(m, tokens, i+1)
		if err != nil {
			return nil, err
		}
	}

	m.Replacement = trimWhitespace(tokens[i:])
	if err := validateMacro(m); err != nil {
		return nil, err
	}
	return m, nil
}

// parseParams reads a parameter list starting after "(" and returns the
// index just past ")".
func parseParams(m *Macro, tokens []Token, i int) (int, error) {
	expectName := true
	for {
		i = skipSpace(tokens, i)
		if i >= len(tokens) {
			return i, errorf(ErrInvalidDirective, m.Loc, "missing ')' in macro parameter list")
		}
		tok := tokens[i]
		switch {
		case tok.Type == PP_PUNCTUATOR && tok.Text == ")":
			if expectName && (len(m.Params) > 0 || m.IsVariadic) {
				return i, errorf(ErrInvalidDirective, tok.Loc, "expected parameter name before ')'")
			}
			return i + 1, nil
		case m.IsVariadic:
			return i, errorf(ErrInvalidDirective, tok.Loc, "missing ')' after \"...\"")
		case expectName && tok.Type == PP_PUNCTUATOR && tok.Text == "...":
			m.IsVariadic, m.VariadicName = true, "__VA_ARGS__"
			expectName = false
		case expectName && tok.Type == PP_IDENTIFIER:
			if tok.Text == "__VA_ARGS__" {
				return i, errorf(ErrInvalidDirective, tok.Loc, "__VA_ARGS__ can only appear in the expansion of a variadic macro")
			}
			j := skipSpace(tokens, i+1)
			if j < len(tokens) && tokens[j].Type == PP_PUNCTUATOR && tokens[j].Text == "..." {
				m.IsVariadic, m.VariadicName = true, tok.Text
				i = j
			} else {
				m.Params = append(m.Params, tok.Text)
			}
			expectName = false
		case !expectName && tok.Type == PP_PUNCTUATOR && tok.Text == ",":
			expectName = true
		case expectName:
			return i, errorf(ErrInvalidDirective, tok.Loc, "expected parameter name, found %q", tok.Text)
		default:
			return i, errorf(ErrInvalidDirective, tok.Loc, "expected ',' or ')', found %q", tok.Text)
		}
		i++
	}
}

func trimNewline(tokens []Token) []Token {
	for len(tokens) > 0 && (tokens[len(tokens)-1].Type == PP_NEWLINE || tokens[len(tokens)-1].Type == PP_EOF) {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

// commentsToSpace replaces comments with a single space.
func commentsToSpace(tokens []Token) []Token {
	out := make([]Token, len(tokens))
	for i, tok := range tokens {
		if tok.Type == PP_COMMENT {
			tok = Token{Type: PP_WHITESPACE, Text: " ", Loc: tok.Loc}
		}
		out[i] = tok
	}
	return out
}
