package cpp

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Value is the result of a preprocessor constant expression: a 64-bit
// integer that is either signed (intmax_t) or unsigned (uintmax_t).
type Value struct {
	bits     uint64
	Unsigned bool
}

// SignedValue returns v as a signed Value.
func SignedValue(v int64) Value { return Value{bits: uint64(v)} }

// UnsignedValue returns v as an unsigned Value.
func UnsignedValue(v uint64) Value { return Value{bits: v, Unsigned: true} }

func boolValue(b bool) Value {
	if b {
		return Value{bits: 1}
	}
	return Value{}
}

func (v Value) Int64() int64   { return int64(v.bits) }
func (v Value) Uint64() uint64 { return v.bits }
func (v Value) IsTrue() bool   { return v.bits != 0 }

func (v Value) String() string {
	if v.Unsigned {
		return strconv.FormatUint(v.bits, 10) + "u"
	}
	return strconv.FormatInt(int64(v.bits), 10)
}

// Evaluate evaluates a fully macro-expanded #if expression. Identifiers
// still present evaluate to 0.
func Evaluate(tokens []Token) (Value, error) {
	return evaluate(tokens, SourceLoc{})
}

func evaluate(tokens []Token, loc SourceLoc) (Value, error) {
	p := &exprParser{loc: loc}
	for _, tok := range tokens {
		if !tok.isSpace() && tok.Type != PP_NEWLINE && tok.Type != PP_PLACEHOLDER && tok.Type != PP_EOF {
			p.tokens = append(p.tokens, tok)
		}
	}
	if len(p.tokens) == 0 {
		return Value{}, errorf(ErrSyntax, loc, "#if with no expression")
	}
	v, err := p.parseConditional(true)
	if err != nil {
		return Value{}, err
	}
	if p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if isPunct(tok, ")") {
			return Value{}, errorf(ErrSyntax, tok.Loc, "missing '(' in expression")
		}
		return Value{}, errorf(ErrSyntax, tok.Loc, "missing binary operator before token %q", tok.Text)
	}
	return v, nil
}

// exprParser is a recursive-descent parser that evaluates as it parses.
// Every parse method takes eval; when false the operand is only parsed,
// which is how && || and ?: skip their unevaluated side.
type exprParser struct {
	tokens []Token
	pos    int
	loc    SourceLoc
}

func (p *exprParser) peek() (Token, bool) {
	if p.pos >= len(p.tokens) {
		return Token{}, false
	}
	return p.tokens[p.pos], true
}

// accept consumes the next token if it is one of the given punctuators.
func (p *exprParser) accept(ops ...string) (string, bool) {
	tok, ok := p.peek()
	if !ok || tok.Type != PP_PUNCTUATOR {
		return "", false
	}
	for _, op := range ops {
		if tok.Text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) endLoc() SourceLoc {
	if len(p.tokens) > 0 {
		return p.tokens[len(p.tokens)-1].Loc
	}
	return p.loc
}

func (p *exprParser) parseConditional(eval bool) (Value, error) {
	cond, err := p.parseLogicalOr(eval)
	if err != nil {
		return Value{}, err
	}
	if _, ok := p.accept("?"); !ok {
		return cond, nil
	}
	a, err := p.parseConditional(eval && cond.IsTrue())
	if err != nil {
		return Value{}, err
	}
	if _, ok := p.accept(":"); !ok {
		if tok, ok := p.peek(); ok {
			return Value{}, errorf(ErrSyntax, tok.Loc, "expected ':' before %q", tok.Text)
		}
		return Value{}, errorf(ErrSyntax, p.endLoc(), "'?' without following ':'")
	}
	b, err := p.parseConditional(eval && !cond.IsTrue())
	if err != nil {
		return Value{}, err
	}
	unsigned := a.Unsigned || b.Unsigned
	if cond.IsTrue() {
		return Value{bits: a.bits, Unsigned: unsigned}, nil
	}
	return Value{bits: b.bits, Unsigned: unsigned}, nil
}

func (p *exprParser) parseLogicalOr(eval bool) (Value, error) {
	left, err := p.parseLogicalAnd(eval)
	if err != nil {
		return Value{}, err
	}
	for {
		if _, ok := p.accept("||"); !ok {
			return left, nil
		}
		right, err := p.parseLogicalAnd(eval && !left.IsTrue())
		if err != nil {
			return Value{}, err
		}
		left = boolValue(left.IsTrue() || right.IsTrue())
	}
}

func (p *exprParser) parseLogicalAnd(eval bool) (Value, error) {
	left, err := p.parseBinary(0, eval)
	if err != nil {
		return Value{}, err
	}
	for {
		if _, ok := p.accept("&&"); !ok {
			return left, nil
		}
		right, err := p.parseBinary(0, eval && left.IsTrue())
		if err != nil {
			return Value{}, err
		}
		left = boolValue(left.IsTrue() && right.IsTrue())
	}
}

// binaryLevels lists the left-associative binary operators from loosest
// to tightest binding, below && and above the unary operators.
var binaryLevels = [][]string{
	{"|"},
	{"^"},
	{"&"},
	{"==", "!="},
	{"<", "<=", ">", ">="},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/", "%"},
}

func (p *exprParser) parseBinary(level int, eval bool) (Value, error) {
	if level == len(binaryLevels) {
		return p.parseUnary(eval)
	}
	left, err := p.parseBinary(level+1, eval)
	if err != nil {
		return Value{}, err
	}
	for {
		opTok, _ := p.peek()
		op, ok := p.accept(binaryLevels[level]...)
		if !ok {
			return left, nil
		}
		right, err := p.parseBinary(level+1, eval)
		if err != nil {
			return Value{}, err
		}
		left, err = applyBinary(op, left, right, eval, opTok.Loc)
		if err != nil {
			return Value{}, err
		}
	}
}

// applyBinary applies op under the usual arithmetic conversions: the
// result is unsigned when either operand is. Shifts take the type of the
// left operand and comparisons yield a signed 0 or 1.
func applyBinary(op string, l, r Value, eval bool, loc SourceLoc) (Value, error) {
	unsigned := l.Unsigned || r.Unsigned
	res := Value{Unsigned: unsigned}
	switch op {
	case "*":
		res.bits = l.bits * r.bits
	case "/", "%":
		if r.bits == 0 {
			if eval {
				return Value{}, errorf(ErrDivisionByZero, loc, "division by zero in #if")
			}
			return res, nil
		}
		switch {
		case unsigned && op == "/":
			res.bits = l.bits / r.bits
		case unsigned:
			res.bits = l.bits % r.bits
		case op == "/":
			res.bits = uint64(int64(l.bits) / int64(r.bits))
		default:
			res.bits = uint64(int64(l.bits) % int64(r.bits))
		}
	case "+":
		res.bits = l.bits + r.bits
	case "-":
		res.bits = l.bits - r.bits
	case "<<", ">>":
		return shift(op, l, r), nil
	case "<", "<=", ">", ">=":
		return boolValue(compare(op, l, r, unsigned)), nil
	case "==":
		return boolValue(l.bits == r.bits), nil
	case "!=":
		return boolValue(l.bits != r.bits), nil
	case "&":
		res.bits = l.bits & r.bits
	case "^":
		res.bits = l.bits ^ r.bits
	case "|":
		res.bits = l.bits | r.bits
	}
	return res, nil
}

func compare(op string, l, r Value, unsigned bool) bool {
	var c int
	if unsigned {
		switch {
		case l.bits < r.bits:
			c = -1
		case l.bits > r.bits:
			c = 1
		}
	} else {
		a, b := int64(l.bits), int64(r.bits)
		switch {
		case a < b:
			c = -1
		case a > b:
			c = 1
		}
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}

// shift shifts l by r. A negative count shifts the other way. Counts of
// 64 or more leave 0, or all sign bits for a signed right shift.
func shift(op string, l, r Value) Value {
	count := int64(r.bits)
	if r.Unsigned && r.bits > math.MaxInt64 {
		count = math.MaxInt64
	}
	if count < 0 {
		if count == math.MinInt64 {
			count = math.MaxInt64
		} else {
			count = -count
		}
		if op == "<<" {
			op = ">>"
		} else {
			op = "<<"
		}
	}
	res := Value{Unsigned: l.Unsigned}
	switch {
	case op == "<<" && count >= 64:
		res.bits = 0
	case op == "<<":
		res.bits = l.bits << uint(count)
	case l.Unsigned && count >= 64:
		res.bits = 0
	case l.Unsigned:
		res.bits = l.bits >> uint(count)
	case count >= 64:
		res.bits = uint64(int64(l.bits) >> 63)
	default:
		res.bits = uint64(int64(l.bits) >> uint(count))
	}
	return res
}

func (p *exprParser) parseUnary(eval bool) (Value, error) {
	op, ok := p.accept("-", "+", "!", "~")
	if !ok {
		return p.parsePrimary(eval)
	}
	v, err := p.parseUnary(eval)
	if err != nil {
		return Value{}, err
	}
	switch op {
	case "-":
		return Value{bits: -v.bits, Unsigned: v.Unsigned}, nil
	case "!":
		return boolValue(!v.IsTrue()), nil
	case "~":
		return Value{bits: ^v.bits, Unsigned: v.Unsigned}, nil
	default:
		return v, nil
	}
}

func (p *exprParser) parsePrimary(eval bool) (Value, error) {
	tok, ok := p.peek()
	if !ok {
		return Value{}, errorf(ErrSyntax, p.endLoc(), "#if expression ends unexpectedly")
	}
	p.pos++

	switch tok.Type {
	case PP_NUMBER:
		return parseNumber(tok)
	case PP_CHAR_CONST:
		return parseCharConst(tok)
	case PP_IDENTIFIER:
		return Value{}, nil
	case PP_PUNCTUATOR:
		if tok.Text == "(" {
			v, err := p.parseConditional(eval)
			if err != nil {
				return Value{}, err
			}
			if _, ok := p.accept(")"); !ok {
				if next, ok := p.peek(); ok {
					return Value{}, errorf(ErrSyntax, next.Loc, "missing ')' in expression before %q", next.Text)
				}
				return Value{}, errorf(ErrSyntax, tok.Loc, "missing ')' in expression")
			}
			return v, nil
		}
		return Value{}, errorf(ErrSyntax, tok.Loc, "token %q is not valid in preprocessor expressions", tok.Text)
	case PP_STRING:
		return Value{}, errorf(ErrSyntax, tok.Loc, "token %s is not valid in preprocessor expressions", tok.Text)
	default:
		return Value{}, errorf(ErrSyntax, tok.Loc, "token %q is not valid in preprocessor expressions", tok.Text)
	}
}

// parseNumber converts an integer literal. Decimal literals too large for
// a signed value, and any literal with a u suffix, are unsigned.
func parseNumber(tok Token) (Value, error) {
	text := tok.Text
	end := len(text)
	for end > 0 && strings.ContainsRune("uUlL", rune(text[end-1])) {
		end--
	}
	digits, suffix := text[:end], text[end:]

	base := 10
	switch {
	case len(digits) > 2 && (digits[:2] == "0x" || digits[:2] == "0X"):
		base, digits = 16, digits[2:]
	case len(digits) > 2 && (digits[:2] == "0b" || digits[:2] == "0B"):
		base, digits = 2, digits[2:]
	case len(digits) > 1 && digits[0] == '0':
		base, digits = 8, digits[1:]
	}

	if base != 16 && strings.ContainsAny(digits, ".eE") || base == 16 && strings.ContainsAny(digits, ".pP") {
		return Value{}, errorf(ErrSyntax, tok.Loc, "floating constant in preprocessor expression")
	}
	if digits == "" {
		return Value{}, errorf(ErrSyntax, tok.Loc, "invalid integer constant %q in #if expression", text)
	}

	unsigned, ok := parseIntSuffix(suffix)
	if !ok {
		return Value{}, errorf(ErrSyntax, tok.Loc, "invalid suffix %q on integer constant", suffix)
	}

	n, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return Value{}, errorf(ErrSyntax, tok.Loc, "integer constant %q is too large for its type", text)
		}
		return Value{}, errorf(ErrSyntax, tok.Loc, "invalid integer constant %q in #if expression", text)
	}
	if n > math.MaxInt64 {
		unsigned = true
	}
	return Value{bits: n, Unsigned: unsigned}, nil
}

// parseIntSuffix accepts u, l, ll in either order, case-insensitive except
// that both letters of ll match.
func parseIntSuffix(s string) (unsigned, ok bool) {
	if s == "" {
		return false, true
	}
	if s[0] == 'u' || s[0] == 'U' {
		s, unsigned = s[1:], true
	}
	switch {
	case s == "ll" || s == "LL":
		s = ""
	case s == "l" || s == "L":
		s = ""
	case len(s) >= 2 && (s[:2] == "ll" || s[:2] == "LL"):
		s = s[2:]
	case len(s) >= 1 && (s[0] == 'l' || s[0] == 'L'):
		s = s[1:]
	}
	if !unsigned && (s == "u" || s == "U") {
		return true, true
	}
	return unsigned, s == ""
}

// parseCharConst evaluates a character constant. Plain constants are
// signed char; wide and unicode prefixes give the unsigned code point.
// Multi-character constants pack bytes into an int.
func parseCharConst(tok Token) (Value, error) {
	text := tok.Text
	quote := strings.IndexByte(text, '\'')
	if quote < 0 || len(text) < quote+3 || text[len(text)-1] != '\'' {
		return Value{}, errorf(ErrSyntax, tok.Loc, "invalid character constant %s", text)
	}
	prefix, body := text[:quote], text[quote+1:len(text)-1]

	var chars []uint64
	for len(body) > 0 {
		c, n := decodeChar(body, prefix != "")
		chars = append(chars, c)
		body = body[n:]
	}

	if prefix != "" {
		if len(chars) > 1 {
			return Value{}, errorf(ErrSyntax, tok.Loc, "character constant %s too long for its type", text)
		}
		return Value{bits: chars[0]}, nil
	}
	if len(chars) == 1 {
		return SignedValue(int64(int8(chars[0]))), nil
	}
	var v int32
	for _, c := range chars {
		v = v<<8 | int32(uint8(c))
	}
	return SignedValue(int64(v)), nil
}

// decodeChar decodes one character or escape sequence, returning its value
// and the number of bytes consumed.
func decodeChar(s string, wide bool) (uint64, int) {
	if s[0] != '\\' {
		if wide {
			r, n := utf8.DecodeRuneInString(s)
			return uint64(r), n
		}
		return uint64(s[0]), 1
	}
	if len(s) < 2 {
		return '\\', 1
	}
	switch c := s[1]; c {
	case 'n':
		return '\n', 2
	case 't':
		return '\t', 2
	case 'r':
		return '\r', 2
	case 'a':
		return 7, 2
	case 'b':
		return 8, 2
	case 'f':
		return 12, 2
	case 'v':
		return 11, 2
	case 'e', 'E':
		return 27, 2
	case 'x':
		n := 2
		var v uint64
		for n < len(s) && isHex(s[n]) {
			v = v<<4 | hexVal(s[n])
			n++
		}
		return v, n
	case 'u', 'U':
		want := 4
		if c == 'U' {
			want = 8
		}
		n := 2
		var v uint64
		for n < len(s) && n < 2+want && isHex(s[n]) {
			v = v<<4 | hexVal(s[n])
			n++
		}
		return v, n
	default:
		if c >= '0' && c <= '7' {
			n := 1
			var v uint64
			for n < len(s) && n < 4 && s[n] >= '0' && s[n] <= '7' {
				v = v<<3 | uint64(s[n]-'0')
				n++
			}
			return v, n
		}
		return uint64(c), 2
	}
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) uint64 {
	switch {
	case c >= 'a':
		return uint64(c-'a') + 10
	case c >= 'A':
		return uint64(c-'A') + 10
	default:
		return uint64(c - '0')
	}
}
