// expand.go implements macro expansion including argument substitution,
// stringification, and token pasting.
package cpp

import (
	"slices"
	"strings"
)

// DefaultMaxExpansionDepth bounds macro nesting when no limit is configured.
const DefaultMaxExpansionDepth = 256

// Expander handles macro expansion. It keeps no state between calls
// except its configuration, so one Expander can serve any number of
// sequential requests.
type Expander struct {
	macros   *MacroTable
	loc      SourceLoc // overrides the use site for __FILE__/__LINE__ when File is set
	maxDepth int
	skip     map[string]bool
	onExpand func(m *Macro, args [][]Token)
}

// NewExpander creates a new macro expander.
func NewExpander(macros *MacroTable) *Expander {
	return &Expander{
		macros:   macros,
		maxDepth: DefaultMaxExpansionDepth,
		skip:     make(map[string]bool),
	}
}

// SetMaxDepth sets the nesting limit past which expansion fails with
// ErrRecursionLimit. Non-positive values restore the default.
func (e *Expander) SetMaxDepth(n int) {
	if n <= 0 {
		n = DefaultMaxExpansionDepth
	}
	e.maxDepth = n
}

// SetSkip marks macro names that are never expanded.
func (e *Expander) SetSkip(names []string) {
	for _, name := range names {
		e.skip[name] = true
	}
}

// SetOnExpand installs a hook called once for each macro expansion of a
// successful request, in the order the expansions happened. args is nil
// for object-like macros.
func (e *Expander) SetOnExpand(fn func(m *Macro, args [][]Token)) {
	e.onExpand = fn
}

// expansionCall is one expansion reported to the OnExpand hook.
type expansionCall struct {
	macro *Macro
	args  [][]Token
}

// expansionContext is owned by a single top-level expansion request.
// The macros being expanded at any point are recorded in each token's
// hideset; the context tracks what spans the whole request.
type expansionContext struct {
	depth       int
	inCondition bool // pass "defined" operands through untouched
	partial     bool // more input may follow the tokens being expanded
	calls       []expansionCall
}

// Expand expands all macros in the token stream.
func (e *Expander) Expand(tokens []Token) ([]Token, error) {
	return e.run(&expansionContext{}, tokens)
}

// expandPartial expands tokens that further input may continue. A
// function-like macro name followed only by whitespace reports
// ErrUnterminatedInvocation, since its "(" may still arrive.
func (e *Expander) expandPartial(tokens []Token) ([]Token, error) {
	return e.run(&expansionContext{partial: true}, tokens)
}

// ExpandWithLoc expands tokens, using the given location for __FILE__/__LINE__.
func (e *Expander) ExpandWithLoc(tokens []Token, loc SourceLoc) ([]Token, error) {
	e.loc = loc
	defer func() { e.loc = SourceLoc{} }()
	return e.run(&expansionContext{}, tokens)
}

// ExpandCondition expands the tokens of an #if expression, leaving the
// operands of "defined" unexpanded.
func (e *Expander) ExpandCondition(tokens []Token) ([]Token, error) {
	return e.run(&expansionContext{inCondition: true}, tokens)
}

// ExpandString is a convenience function to expand macros in a string.
func (e *Expander) ExpandString(input string) (string, error) {
	lex := NewLexer(input, "<string>")
	tokens := lex.AllTokens()
	tokens = tokens[:len(tokens)-1]

	expanded, err := e.Expand(tokens)
	if err != nil {
		return "", err
	}

	return TokensToString(expanded), nil
}

func (e *Expander) run(ctx *expansionContext, tokens []Token) ([]Token, error) {
	out, err := e.expand(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if e.onExpand != nil {
		for _, c := range ctx.calls {
			e.onExpand(c.macro, c.args)
		}
	}
	return out, nil
}

// expand rescans tokens until no expandable invocation remains. The
// expansion of each invocation is spliced back in front of the unread
// input and scanned again from its first token.
func (e *Expander) expand(ctx *expansionContext, tokens []Token) ([]Token, error) {
	input := slices.Clone(tokens)
	var result []Token

	for len(input) > 0 {
		tok := input[0]

		if tok.Type != PP_IDENTIFIER {
			result = append(result, tok)
			input = input[1:]
			continue
		}

		if ctx.inCondition && tok.Text == "defined" {
			n := definedOperandLen(input)
			result = append(result, input[:n]...)
			input = input[n:]
			continue
		}

		macro := e.macros.Lookup(tok.Text)
		if macro == nil || e.skip[macro.Name] || tok.hide.contains(macro.Name) {
			result = append(result, tok)
			input = input[1:]
			continue
		}

		switch macro.Kind {
		case MacroBuiltin:
			result = append(result, e.expandBuiltin(macro, tok)...)
			input = input[1:]

		case MacroObject:
			hs := tok.hide.with(macro.Name)
			if len(hs) > e.maxDepth {
				return nil, errorf(ErrRecursionLimit, tok.Loc, "macro expansion of %q nested too deeply", macro.Name)
			}
			body, err := e.substitute(ctx, macro, macro.Replacement, nil, tok.Loc)
			if err != nil {
				return nil, err
			}
			ctx.calls = append(ctx.calls, expansionCall{macro: macro})
			input = slices.Concat(paint(body, hs), input[1:])

		case MacroFunction:
			open := skipSpaceAndNewlines(input, 1)
			// Arguments are complete; only the top level can run short
			if open >= len(input) && ctx.partial && ctx.depth == 0 {
				return nil, errorf(ErrUnterminatedInvocation, tok.Loc, "macro %q may be invoked by later input", macro.Name)
			}
			if open >= len(input) || !isPunct(input[open], "(") {
				// Not an invocation in this context
				result = append(result, tok)
				input = input[1:]
				continue
			}

			args, closeIdx, err := e.parseArguments(input, open, macro, tok)
			if err != nil {
				return nil, err
			}

			hs := tok.hide.intersect(input[closeIdx].hide).with(macro.Name)
			if len(hs) > e.maxDepth {
				return nil, errorf(ErrRecursionLimit, tok.Loc, "macro expansion of %q nested too deeply", macro.Name)
			}
			body, err := e.substitute(ctx, macro, macro.Replacement, args, tok.Loc)
			if err != nil {
				return nil, err
			}
			ctx.calls = append(ctx.calls, expansionCall{macro: macro, args: args})
			input = slices.Concat(paint(body, hs), input[closeIdx+1:])
		}
	}

	return result, nil
}

// expandBuiltin expands a built-in macro at the use site of tok.
func (e *Expander) expandBuiltin(macro *Macro, tok Token) []Token {
	useLoc := tok.Loc
	if e.loc.File != "" {
		useLoc = e.loc
	}
	if macro.BuiltinFunc == nil {
		return nil
	}
	out := macro.BuiltinFunc(useLoc)
	for i := range out {
		out[i].hide = tok.hide
	}
	return out
}

// paint adds hs to the hideset of every token.
func paint(tokens []Token, hs hideset) []Token {
	for i := range tokens {
		tokens[i].hide = tokens[i].hide.union(hs)
	}
	return tokens
}

// substitute builds the replacement for one invocation: parameters are
// replaced by their arguments, # stringizes, ## pastes, and __VA_OPT__
// groups are kept or dropped. The result is not yet rescanned.
func (e *Expander) substitute(ctx *expansionContext, macro *Macro, body []Token, args [][]Token, loc SourceLoc) ([]Token, error) {
	isFunc := macro.Kind == MacroFunction
	expanded := make(map[int][]Token)
	var result []Token

	// operand returns the unexpanded tokens of the ## operand at body[i]
	// and the index of its last token.
	operand := func(i int) ([]Token, int, error) {
		tok := body[i]
		if isFunc && tok.Type == PP_IDENTIFIER {
			if tok.Text == "__VA_OPT__" && macro.IsVariadic {
				return e.vaOpt(ctx, macro, body, i, args, loc)
			}
			if idx := macro.paramIndex(tok.Text); idx >= 0 {
				if len(args[idx]) == 0 {
					return []Token{{Type: PP_PLACEHOLDER, Loc: loc}}, i, nil
				}
				return slices.Clone(args[idx]), i, nil
			}
		}
		tok.Loc = loc
		return []Token{tok}, i, nil
	}

	for i := 0; i < len(body); i++ {
		tok := body[i]

		// Stringification: # followed by parameter
		if isFunc && isPunct(tok, "#") {
			j := skipSpace(body, i+1)
			if j < len(body) && body[j].Type == PP_IDENTIFIER {
				if body[j].Text == "__VA_OPT__" && macro.IsVariadic {
					group, end, err := e.vaOpt(ctx, macro, body, j, args, loc)
					if err != nil {
						return nil, err
					}
					result = append(result, stringify(group, loc))
					i = end
					continue
				}
				if idx := macro.paramIndex(body[j].Text); idx >= 0 {
					result = append(result, stringify(args[idx], loc))
					i = j
					continue
				}
			}
		}

		if tok.Type == PP_HASHHASH {
			j := skipSpace(body, i+1)
			if j >= len(body) {
				return nil, errorf(ErrPaste, loc, "'##' cannot appear at either end of a macro expansion")
			}
			result = trimTrailingSpace(result)

			// GNU comma elision: , ## __VA_ARGS__
			if isFunc && macro.IsVariadic && body[j].Text == macro.VariadicName &&
				len(result) > 0 && isPunct(result[len(result)-1], ",") {
				va := args[len(macro.Params)]
				if len(va) == 0 {
					result = result[:len(result)-1]
				} else {
					result = append(result, va...)
				}
				i = j
				continue
			}

			rhs, end, err := operand(j)
			if err != nil {
				return nil, err
			}
			if len(result) == 0 {
				result = append(result, rhs...)
			} else {
				pasted, err := pasteTokens(result[len(result)-1], rhs[0], loc)
				if err != nil {
					return nil, err
				}
				result[len(result)-1] = pasted
				result = append(result, rhs[1:]...)
			}
			i = end
			continue
		}

		if isFunc && tok.Type == PP_IDENTIFIER {
			if tok.Text == "__VA_OPT__" && macro.IsVariadic {
				group, end, err := e.vaOpt(ctx, macro, body, i, args, loc)
				if err != nil {
					return nil, err
				}
				result = append(result, group...)
				i = end
				continue
			}
			if idx := macro.paramIndex(tok.Text); idx >= 0 {
				// Operands of ## are substituted without expansion
				if nextIsPaste(body, i) {
					arg, _, _ := operand(i)
					result = append(result, arg...)
					continue
				}
				exp, ok := expanded[idx]
				if !ok {
					var err error
					exp, err = e.expandArgument(ctx, args[idx], loc)
					if err != nil {
						return nil, err
					}
					expanded[idx] = exp
				}
				result = append(result, exp...)
				continue
			}
		}

		tok.Loc = loc
		result = append(result, tok)
	}

	// Placemarkers never survive substitution
	return slices.DeleteFunc(result, func(t Token) bool { return t.Type == PP_PLACEHOLDER }), nil
}

// expandArgument fully expands one argument before it is substituted.
func (e *Expander) expandArgument(ctx *expansionContext, arg []Token, loc SourceLoc) ([]Token, error) {
	ctx.depth++
	defer func() { ctx.depth-- }()
	if ctx.depth > e.maxDepth {
		return nil, errorf(ErrRecursionLimit, loc, "macro arguments nested too deeply")
	}
	return e.expand(ctx, arg)
}

// vaOpt handles __VA_OPT__(content) at body[i]. The content is substituted
// when the variadic argument has tokens and dropped otherwise.
func (e *Expander) vaOpt(ctx *expansionContext, macro *Macro, body []Token, i int, args [][]Token, loc SourceLoc) ([]Token, int, error) {
	open := skipSpace(body, i+1)
	if open >= len(body) || !isPunct(body[open], "(") {
		return nil, i, errorf(ErrSyntax, body[i].Loc, "__VA_OPT__ must be followed by an open parenthesis")
	}
	depth := 0
	end := -1
	for k := open; k < len(body) && end < 0; k++ {
		switch {
		case isPunct(body[k], "("):
			depth++
		case isPunct(body[k], ")"):
			depth--
			if depth == 0 {
				end = k
			}
		}
	}
	if end < 0 {
		return nil, i, errorf(ErrSyntax, body[i].Loc, "unterminated __VA_OPT__")
	}
	placeholder := []Token{{Type: PP_PLACEHOLDER, Loc: loc}}
	if len(args[len(macro.Params)]) == 0 {
		return placeholder, end, nil
	}
	group, err := e.substitute(ctx, macro, trimWhitespace(body[open+1:end]), args, loc)
	if err != nil {
		return nil, i, err
	}
	if len(group) == 0 {
		return placeholder, end, nil
	}
	return group, end, nil
}

// parseArguments collects the arguments of the invocation whose "(" is at
// tokens[open]. It returns the trimmed arguments and the index of ")".
func (e *Expander) parseArguments(tokens []Token, open int, macro *Macro, name Token) ([][]Token, int, error) {
	var args [][]Token
	var current []Token
	depth := 0
	named := len(macro.Params)

	for i := open + 1; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type == PP_NEWLINE {
			tok = Token{Type: PP_WHITESPACE, Text: " ", Loc: tok.Loc, hide: tok.hide}
		}

		switch {
		case isPunct(tok, "("):
			depth++
		case isPunct(tok, ")") && depth > 0:
			depth--
		case isPunct(tok, ")"):
			checked, err := e.checkArgCount(macro, append(args, trimWhitespace(current)), name)
			if err != nil {
				return nil, 0, err
			}
			return checked, i, nil
		case isPunct(tok, ",") && depth == 0 && !(macro.IsVariadic && len(args) == named):
			args = append(args, trimWhitespace(current))
			current = nil
			continue
		}
		current = append(current, tok)
	}

	return nil, 0, errorf(ErrUnterminatedInvocation, name.Loc, "unterminated argument list invoking macro %q", macro.Name)
}

// checkArgCount validates the collected arguments and normalizes them so
// there is exactly one entry per parameter, the variadic one included.
func (e *Expander) checkArgCount(macro *Macro, args [][]Token, name Token) ([][]Token, error) {
	named := len(macro.Params)

	// F() supplies a single empty argument, which fits zero parameters too
	if named == 0 && len(args) == 1 && len(args[0]) == 0 {
		args = nil
	}

	if macro.IsVariadic {
		if len(args) == named {
			args = append(args, nil)
		}
		if len(args) < named {
			return nil, errorf(ErrArgumentCount, name.Loc, "macro %q requires %d arguments, but only %d given",
				macro.Name, named, len(args))
		}
		return args, nil
	}

	if len(args) > named {
		return nil, errorf(ErrArgumentCount, name.Loc, "macro %q passed %d arguments, but takes just %d",
			macro.Name, len(args), named)
	}
	if len(args) < named {
		return nil, errorf(ErrArgumentCount, name.Loc, "macro %q requires %d arguments, but only %d given",
			macro.Name, named, len(args))
	}
	return args, nil
}

// stringify converts tokens to a string literal (the # operator).
func stringify(tokens []Token, loc SourceLoc) Token {
	var sb strings.Builder
	sb.WriteByte('"')

	// Runs of whitespace become one space; none at either end
	pendingSpace := false
	for _, tok := range tokens {
		if tok.isSpace() || tok.Type == PP_NEWLINE {
			pendingSpace = sb.Len() > 1
			continue
		}
		if tok.Type == PP_PLACEHOLDER {
			continue
		}
		if pendingSpace {
			sb.WriteByte(' ')
			pendingSpace = false
		}

		if tok.Type == PP_STRING || tok.Type == PP_CHAR_CONST {
			for _, c := range tok.Text {
				if c == '"' || c == '\\' {
					sb.WriteByte('\\')
				}
				sb.WriteRune(c)
			}
		} else {
			sb.WriteString(tok.Text)
		}
	}

	sb.WriteByte('"')
	return Token{Type: PP_STRING, Text: sb.String(), Loc: loc}
}

// pasteTokens implements ##: the spellings are joined and must lex as
// exactly one token.
func pasteTokens(left, right Token, loc SourceLoc) (Token, error) {
	if left.Type == PP_PLACEHOLDER {
		return right, nil
	}
	if right.Type == PP_PLACEHOLDER {
		return left, nil
	}

	text := left.Text + right.Text
	lex := NewLexer(text, loc.File)
	lex.bol = false
	tok := lex.NextToken()
	if tok.Text != text || tok.isSpace() || len(lex.Errors()) > 0 || lex.NextToken().Type != PP_EOF {
		return Token{}, errorf(ErrPaste, loc, "pasting %q and %q does not give a valid preprocessing token", left.Text, right.Text)
	}
	return Token{Type: tok.Type, Text: text, Loc: loc}, nil
}

// definedOperandLen returns how many tokens starting at "defined" form the
// operator and its operand: defined X or defined ( X ).
func definedOperandLen(tokens []Token) int {
	j := skipSpace(tokens, 1)
	if j >= len(tokens) {
		return 1
	}
	if tokens[j].Type == PP_IDENTIFIER {
		return j + 1
	}
	if !isPunct(tokens[j], "(") {
		return 1
	}
	k := skipSpace(tokens, j+1)
	if k < len(tokens) && tokens[k].Type == PP_IDENTIFIER {
		k = skipSpace(tokens, k+1)
		if k < len(tokens) && isPunct(tokens[k], ")") {
			return k + 1
		}
	}
	return j + 1
}

func nextIsPaste(body []Token, i int) bool {
	j := skipSpace(body, i+1)
	return j < len(body) && body[j].Type == PP_HASHHASH
}

func isPunct(tok Token, text string) bool {
	return tok.Type == PP_PUNCTUATOR && tok.Text == text
}

func skipSpaceAndNewlines(tokens []Token, i int) int {
	for i < len(tokens) && (tokens[i].isSpace() || tokens[i].Type == PP_NEWLINE) {
		i++
	}
	return i
}

func trimTrailingSpace(tokens []Token) []Token {
	for len(tokens) > 0 && tokens[len(tokens)-1].isSpace() {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}
