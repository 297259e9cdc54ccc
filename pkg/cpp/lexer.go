// Package cpp implements a C macro preprocessor: tokenizer, macro table,
// expander, #if evaluator and the directive state machine that ties them
// together.
package cpp

import (
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"
)

// TokenType classifies a preprocessing token.
type TokenType int

const (
	PP_EOF TokenType = iota
	PP_IDENTIFIER
	PP_NUMBER
	PP_CHAR_CONST
	PP_STRING
	PP_PUNCTUATOR
	PP_HASH        // # at line start (directive marker)
	PP_HASHHASH    // ## (token pasting)
	PP_NEWLINE     // significant for directive boundaries
	PP_WHITESPACE  // preserved for macro spacing
	PP_COMMENT     // raw comment text, treated as whitespace
	PP_PLACEHOLDER // placemarker for an empty macro argument
)

var tokenTypeNames = [...]string{
	PP_EOF:         "EOF",
	PP_IDENTIFIER:  "IDENTIFIER",
	PP_NUMBER:      "NUMBER",
	PP_CHAR_CONST:  "CHAR_CONST",
	PP_STRING:      "STRING",
	PP_PUNCTUATOR:  "PUNCTUATOR",
	PP_HASH:        "HASH",
	PP_HASHHASH:    "HASHHASH",
	PP_NEWLINE:     "NEWLINE",
	PP_WHITESPACE:  "WHITESPACE",
	PP_COMMENT:     "COMMENT",
	PP_PLACEHOLDER: "PLACEHOLDER",
}

func (t TokenType) String() string {
	if t < 0 || int(t) >= len(tokenTypeNames) {
		return "UNKNOWN"
	}
	return tokenTypeNames[t]
}

// SourceLoc represents a position in the source file.
type SourceLoc struct {
	File   string `yaml:"file,omitempty"`
	Line   int    `yaml:"line"`
	Column int    `yaml:"column"`
}

func (s SourceLoc) String() string {
	if s.File == "" {
		return fmt.Sprintf("%d:%d", s.Line, s.Column)
	}
	return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column)
}

// Token represents a preprocessing token. Tokens are values; the expander
// copies them rather than mutating shared slices.
type Token struct {
	Type TokenType
	Text string
	Loc  SourceLoc

	// hide holds the names of macros this token must not expand again.
	hide hideset
}

// isSpace reports whether the token separates other tokens without
// carrying meaning of its own.
func (t Token) isSpace() bool {
	return t.Type == PP_WHITESPACE || t.Type == PP_COMMENT
}

// Lexer splits C source into preprocessing tokens. Whitespace, comments
// and newlines are tokens too, so the input is covered without gaps.
type Lexer struct {
	src  string
	file string
	off  int
	line int
	col  int
	bol  bool // only whitespace and comments seen since the last newline
	errs []*Error
}

// NewLexer returns a lexer over input. filename is used in locations.
func NewLexer(input, filename string) *Lexer {
	l := &Lexer{src: input, file: filename}
	l.Reset()
	return l
}

// Reset rewinds the lexer to the start of its input and drops recorded errors.
func (l *Lexer) Reset() {
	l.off, l.line, l.col = 0, 1, 1
	l.bol = true
	l.errs = nil
}

// Errors returns the lex errors recorded so far.
func (l *Lexer) Errors() []*Error {
	return l.errs
}

// TakeErrors returns the recorded lex errors and clears them.
func (l *Lexer) TakeErrors() []*Error {
	errs := l.errs
	l.errs = nil
	return errs
}

// NextToken returns the next token, or PP_EOF at the end of input.
func (l *Lexer) NextToken() Token {
	l.splice()
	if l.eof() {
		return Token{Type: PP_EOF, Loc: l.loc()}
	}

	c := l.ch()
	switch {
	case c == '\n':
		tok := Token{Type: PP_NEWLINE, Text: "\n", Loc: l.loc()}
		l.next()
		l.bol = true
		return tok
	// "  /* x */ #define" is still a directive, so these keep bol
	case isBlank(c):
		return l.scanWhitespace()
	case c == '/' && l.ahead(1) == '/':
		return l.scanLineComment()
	case c == '/' && l.ahead(1) == '*':
		return l.scanBlockComment()
	}

	atLineStart := l.bol
	l.bol = false
	switch {
	case c == '#':
		return l.scanHash(atLineStart)
	case c == '"' || c == '\'':
		return l.scanQuoted(l.loc(), "", c)
	case isDigit(c) || (c == '.' && isDigit(l.ahead(1))):
		return l.scanNumber()
	case isIdentStart(c):
		return l.scanIdentifier()
	}
	return l.scanPunctuator()
}

// AllTokens returns all tokens from the current position, ending with PP_EOF.
func (l *Lexer) AllTokens() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == PP_EOF {
			return tokens
		}
	}
}

// Tokens returns a lazy sequence over the whole input, excluding PP_EOF.
// Each iteration restarts from the beginning.
func (l *Lexer) Tokens() iter.Seq[Token] {
	return func(yield func(Token) bool) {
		l.Reset()
		for tok := l.NextToken(); tok.Type != PP_EOF; tok = l.NextToken() {
			if !yield(tok) {
				return
			}
		}
	}
}

// splice drops any backslash-newline sequences at the current offset.
func (l *Lexer) splice() {
	for l.ch() == '\\' {
		var n int
		switch {
		case l.ahead(1) == '\n':
			n = 2
		case l.ahead(1) == '\r' && l.ahead(2) == '\n':
			n = 3
		default:
			return
		}
		l.off += n
		l.line++
		l.col = 1
	}
}

func (l *Lexer) errorf(loc SourceLoc, format string, args ...any) {
	l.errs = append(l.errs, errorf(ErrLex, loc, format, args...))
}

func (l *Lexer) loc() SourceLoc {
	return SourceLoc{File: l.file, Line: l.line, Column: l.col}
}

func (l *Lexer) eof() bool { return l.off >= len(l.src) }

// ch returns the current byte, 0 at end of input.
func (l *Lexer) ch() byte { return l.ahead(0) }

func (l *Lexer) ahead(n int) byte {
	if l.off+n >= len(l.src) {
		return 0
	}
	return l.src[l.off+n]
}

// next consumes one byte, tracking line and column.
func (l *Lexer) next() {
	if l.eof() {
		return
	}
	if l.src[l.off] == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	l.off++
}

func (l *Lexer) skip(n int) {
	for range n {
		l.next()
	}
}

// take appends the current byte to sb and consumes it.
func (l *Lexer) take(sb *strings.Builder) {
	sb.WriteByte(l.ch())
	l.next()
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentByte(c byte) bool { return isIdentStart(c) || isDigit(c) }

func (l *Lexer) scanWhitespace() Token {
	loc, start := l.loc(), l.off
	for !l.eof() && isBlank(l.ch()) {
		l.next()
	}
	return Token{Type: PP_WHITESPACE, Text: l.src[start:l.off], Loc: loc}
}

// scanLineComment reads a // comment up to, not including, the newline.
// A backslash-newline continues the comment.
func (l *Lexer) scanLineComment() Token {
	loc := l.loc()
	var sb strings.Builder
	for l.splice(); !l.eof() && l.ch() != '\n'; l.splice() {
		l.take(&sb)
	}
	return Token{Type: PP_COMMENT, Text: sb.String(), Loc: loc}
}

func (l *Lexer) scanBlockComment() Token {
	loc, start := l.loc(), l.off
	l.skip(2)
	for {
		if l.eof() {
			l.errorf(loc, "unterminated comment")
			break
		}
		if l.ch() == '*' && l.ahead(1) == '/' {
			l.skip(2)
			break
		}
		l.next()
	}
	return Token{Type: PP_COMMENT, Text: l.src[start:l.off], Loc: loc}
}

// scanHash reads # or ##. A lone # that starts a line introduces a
// directive; anywhere else it is the stringizing operator.
func (l *Lexer) scanHash(atLineStart bool) Token {
	loc := l.loc()
	if l.ahead(1) == '#' {
		l.skip(2)
		return Token{Type: PP_HASHHASH, Text: "##", Loc: loc}
	}
	l.next()
	if atLineStart {
		return Token{Type: PP_HASH, Text: "#", Loc: loc}
	}
	return Token{Type: PP_PUNCTUATOR, Text: "#", Loc: loc}
}

// scanQuoted scans a string literal or character constant whose encoding
// prefix (if any) has already been consumed. Unterminated literals stop at
// the end of the line and are returned as written.
func (l *Lexer) scanQuoted(loc SourceLoc, prefix string, quote byte) Token {
	typ, what := PP_STRING, `"`
	if quote == '\'' {
		typ, what = PP_CHAR_CONST, "'"
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	l.take(&sb)
	chars := 0
	for {
		l.splice()
		if l.eof() || l.ch() == '\n' {
			l.errorf(loc, "missing terminating %s character", what)
			return Token{Type: typ, Text: sb.String(), Loc: loc}
		}
		c := l.ch()
		if c == quote {
			l.take(&sb)
			break
		}
		chars++
		if c == '\\' {
			l.scanEscape(&sb)
		} else {
			l.take(&sb)
		}
	}
	if typ == PP_CHAR_CONST && chars == 0 {
		l.errorf(loc, "empty character constant")
	}
	return Token{Type: typ, Text: sb.String(), Loc: loc}
}

// scanEscape copies one escape sequence into sb, recording a lex error
// when the sequence is not one C recognizes.
func (l *Lexer) scanEscape(sb *strings.Builder) {
	loc := l.loc()
	l.take(sb)
	if l.eof() || l.ch() == '\n' {
		return
	}
	c := l.ch()
	switch {
	case strings.IndexByte(`'"?\abfnrtv`, c) >= 0:
		l.take(sb)
	case '0' <= c && c <= '7':
		for i := 0; i < 3 && '0' <= l.ch() && l.ch() <= '7'; i++ {
			l.take(sb)
		}
	case c == 'x':
		l.take(sb)
		n := 0
		for ; isHex(l.ch()); n++ {
			l.take(sb)
		}
		if n == 0 {
			l.errorf(loc, `\x used with no following hex digits`)
		}
	case c == 'u' || c == 'U':
		want := 4
		if c == 'U' {
			want = 8
		}
		l.take(sb)
		n := 0
		for ; n < want && isHex(l.ch()); n++ {
			l.take(sb)
		}
		if n != want {
			l.errorf(loc, `incomplete universal character name \%c`, c)
		}
	default:
		l.errorf(loc, `unknown escape sequence '\%c'`, c)
		l.take(sb)
	}
}

// scanNumber reads a pp-number, which is looser than a C constant: digits,
// identifier characters, dots, and a sign directly after e, E, p or P.
func (l *Lexer) scanNumber() Token {
	loc := l.loc()
	var sb strings.Builder
	for l.splice(); !l.eof() && (isIdentByte(l.ch()) || l.ch() == '.'); l.splice() {
		c := l.ch()
		l.take(&sb)
		if strings.IndexByte("eEpP", c) >= 0 && (l.ch() == '+' || l.ch() == '-') {
			l.take(&sb)
		}
	}
	return Token{Type: PP_NUMBER, Text: sb.String(), Loc: loc}
}

// scanIdentifier reads an identifier. An encoding prefix directly followed
// by a quote starts a string or character literal instead.
func (l *Lexer) scanIdentifier() Token {
	loc := l.loc()
	var sb strings.Builder
	for l.splice(); !l.eof() && isIdentByte(l.ch()); l.splice() {
		l.take(&sb)
	}
	name := sb.String()
	switch name {
	case "L", "u", "U", "u8":
		if q := l.ch(); q == '"' || q == '\'' {
			return l.scanQuoted(loc, name, q)
		}
	}
	return Token{Type: PP_IDENTIFIER, Text: name, Loc: loc}
}

// Multi-character punctuators, longest first.
var punctuators = []string{
	"<<=", ">>=", "...",
	"->", "++", "--", "<<", ">>", "<=", ">=", "==", "!=",
	"&&", "||", "*=", "/=", "%=", "+=", "-=", "&=", "^=", "|=",
}

func (l *Lexer) scanPunctuator() Token {
	loc := l.loc()
	rest := l.src[l.off:]
	for _, p := range punctuators {
		if strings.HasPrefix(rest, p) {
			l.skip(len(p))
			return Token{Type: PP_PUNCTUATOR, Text: p, Loc: loc}
		}
	}
	// Anything else is one token per code point
	_, size := utf8.DecodeRuneInString(rest)
	l.skip(size)
	return Token{Type: PP_PUNCTUATOR, Text: rest[:size], Loc: loc}
}

// TokensToString converts a slice of tokens back to source text. A space is
// inserted between two adjacent tokens whose spellings would otherwise run
// together into a different token, so the text lexes back to the same
// sequence.
func TokensToString(tokens []Token) string {
	var sb strings.Builder
	var prev *Token
	for i := range tokens {
		tok := &tokens[i]
		if tok.Type == PP_PLACEHOLDER || tok.Type == PP_EOF {
			continue
		}
		if prev != nil && !prev.isSpace() && prev.Type != PP_NEWLINE &&
			!tok.isSpace() && tok.Type != PP_NEWLINE && wouldMerge(*prev, *tok) {
			sb.WriteByte(' ')
		}
		sb.WriteString(tok.Text)
		prev = tok
	}
	return sb.String()
}

// wouldMerge reports whether writing b directly after a changes how a lexes.
func wouldMerge(a, b Token) bool {
	if a.Text == "" || b.Text == "" {
		return false
	}
	l := NewLexer(a.Text+b.Text, "")
	l.bol = false
	return l.NextToken().Text != a.Text
}

// IsIdentifier reports whether s is spelled like an identifier.
func IsIdentifier(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return true
}
