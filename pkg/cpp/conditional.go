// conditional.go implements conditional compilation (#if, #ifdef, etc.)
package cpp

import (
	"fmt"
	"slices"
)

// FrameState is the state of one #if ... #endif region.
type FrameState int

const (
	// FrameActive: the current branch is live.
	FrameActive FrameState = iota
	// FrameSkipping: no branch taken yet; a later #elif or #else may be.
	FrameSkipping
	// FrameTaken: an earlier branch was live, the rest of the region is dead.
	FrameTaken
	// FrameDead: the enclosing region is dead, nothing here is evaluated.
	FrameDead
)

func (s FrameState) String() string {
	switch s {
	case FrameActive:
		return "active"
	case FrameSkipping:
		return "skipping"
	case FrameTaken:
		return "taken"
	case FrameDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ConditionalFrame is one level of the conditional stack.
type ConditionalFrame struct {
	State     FrameState
	SeenElse  bool
	Directive string // opening directive, e.g. "#ifdef"
	Loc       SourceLoc
}

// ConditionalProcessor handles conditional compilation directives.
type ConditionalProcessor struct {
	macros   *MacroTable
	expander *Expander
	stack    []ConditionalFrame
}

// NewConditionalProcessor creates a new conditional processor. A nil
// expander gets a default one over macros.
func NewConditionalProcessor(macros *MacroTable, expander *Expander) *ConditionalProcessor {
	if expander == nil {
		expander = NewExpander(macros)
	}
	return &ConditionalProcessor{
		macros:   macros,
		expander: expander,
	}
}

// IsActive returns true if the current location is active (should be included).
func (cp *ConditionalProcessor) IsActive() bool {
	return len(cp.stack) == 0 || cp.stack[len(cp.stack)-1].State == FrameActive
}

// Depth returns the nesting depth of conditionals.
func (cp *ConditionalProcessor) Depth() int {
	return len(cp.stack)
}

// Frames returns a copy of the conditional stack, outermost first.
func (cp *ConditionalProcessor) Frames() []ConditionalFrame {
	return slices.Clone(cp.stack)
}

func (cp *ConditionalProcessor) push(state FrameState, directive string, loc SourceLoc) {
	cp.stack = append(cp.stack, ConditionalFrame{State: state, Directive: directive, Loc: loc})
}

func branchState(taken bool) FrameState {
	if taken {
		return FrameActive
	}
	return FrameSkipping
}

// ProcessIf handles #if. A frame is pushed even when the expression fails
// so that nesting stays balanced; the failed branch counts as false.
func (cp *ConditionalProcessor) ProcessIf(expr []Token, loc SourceLoc) error {
	if !cp.IsActive() {
		cp.push(FrameDead, "#if", loc)
		return nil
	}
	result, err := cp.EvaluateCondition(expr, loc)
	cp.push(branchState(result), "#if", loc)
	return err
}

// ProcessIfdef handles #ifdef.
func (cp *ConditionalProcessor) ProcessIfdef(name string, loc SourceLoc) error {
	if !cp.IsActive() {
		cp.push(FrameDead, "#ifdef", loc)
		return nil
	}
	cp.push(branchState(cp.macros.IsDefined(name)), "#ifdef", loc)
	return nil
}

// ProcessIfndef handles #ifndef.
func (cp *ConditionalProcessor) ProcessIfndef(name string, loc SourceLoc) error {
	if !cp.IsActive() {
		cp.push(FrameDead, "#ifndef", loc)
		return nil
	}
	cp.push(branchState(!cp.macros.IsDefined(name)), "#ifndef", loc)
	return nil
}

// top returns the innermost frame for an #elif/#else style directive.
func (cp *ConditionalProcessor) top(directive string, loc SourceLoc) (*ConditionalFrame, error) {
	if len(cp.stack) == 0 {
		return nil, errorf(ErrInvalidDirective, loc, "%s without #if", directive)
	}
	frame := &cp.stack[len(cp.stack)-1]
	if frame.SeenElse {
		return nil, errorf(ErrInvalidDirective, loc, "%s after #else", directive)
	}
	return frame, nil
}

// alternative moves the innermost frame to its next branch. cond is only
// called when the branch could become live.
func (cp *ConditionalProcessor) alternative(directive string, loc SourceLoc, cond func() (bool, error)) error {
	frame, err := cp.top(directive, loc)
	if err != nil {
		return err
	}
	switch frame.State {
	case FrameActive:
		frame.State = FrameTaken
	case FrameSkipping:
		taken, err := cond()
		if err != nil {
			return err
		}
		frame.State = branchState(taken)
	}
	return nil
}

// ProcessElif handles #elif. After a taken branch the expression is not
// evaluated, so errors in it go unreported.
func (cp *ConditionalProcessor) ProcessElif(expr []Token, loc SourceLoc) error {
	return cp.alternative("#elif", loc, func() (bool, error) {
		return cp.EvaluateCondition(expr, loc)
	})
}

// ProcessElifdef handles #elifdef.
func (cp *ConditionalProcessor) ProcessElifdef(name string, loc SourceLoc) error {
	return cp.alternative("#elifdef", loc, func() (bool, error) {
		return cp.macros.IsDefined(name), nil
	})
}

// ProcessElifndef handles #elifndef.
func (cp *ConditionalProcessor) ProcessElifndef(name string, loc SourceLoc) error {
	return cp.alternative("#elifndef", loc, func() (bool, error) {
		return !cp.macros.IsDefined(name), nil
	})
}

// ProcessElse handles #else.
func (cp *ConditionalProcessor) ProcessElse(loc SourceLoc) error {
	if err := cp.alternative("#else", loc, func() (bool, error) { return true, nil }); err != nil {
		return err
	}
	cp.stack[len(cp.stack)-1].SeenElse = true
	return nil
}

// ProcessEndif handles #endif.
func (cp *ConditionalProcessor) ProcessEndif(loc SourceLoc) error {
	if len(cp.stack) == 0 {
		return errorf(ErrUnmatchedEndif, loc, "#endif without #if")
	}
	cp.stack = cp.stack[:len(cp.stack)-1]
	return nil
}

// CheckBalanced returns an error if there are unclosed conditionals. The
// error points at the innermost open directive.
func (cp *ConditionalProcessor) CheckBalanced() error {
	if len(cp.stack) == 0 {
		return nil
	}
	frame := cp.stack[len(cp.stack)-1]
	msg := "unterminated " + frame.Directive
	if len(cp.stack) > 1 {
		msg += fmt.Sprintf(", %d levels unclosed", len(cp.stack))
	}
	return errorf(ErrUnterminatedConditional, frame.Loc, "%s", msg)
}

// EvaluateCondition evaluates the expression of an #if or #elif:
// "defined" operators are resolved, the rest is macro-expanded, any
// "defined" produced by the expansion is resolved, and the result is
// evaluated with leftover identifiers as 0.
func (cp *ConditionalProcessor) EvaluateCondition(tokens []Token, loc SourceLoc) (bool, error) {
	v, err := cp.EvaluateValue(tokens, loc)
	if err != nil {
		return false, err
	}
	return v.IsTrue(), nil
}

// EvaluateValue is EvaluateCondition returning the value itself.
func (cp *ConditionalProcessor) EvaluateValue(tokens []Token, loc SourceLoc) (Value, error) {
	resolved, err := cp.resolveDefined(tokens)
	if err != nil {
		return Value{}, err
	}
	expanded, err := cp.expander.ExpandCondition(resolved)
	if err != nil {
		return Value{}, err
	}
	resolved, err = cp.resolveDefined(expanded)
	if err != nil {
		return Value{}, err
	}
	return evaluate(resolved, loc)
}

// resolveDefined replaces "defined NAME" and "defined ( NAME )" with 1 or 0.
func (cp *ConditionalProcessor) resolveDefined(tokens []Token) ([]Token, error) {
	var result []Token
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type != PP_IDENTIFIER || tok.Text != "defined" {
			result = append(result, tok)
			continue
		}

		j := skipSpace(tokens, i+1)
		paren := j < len(tokens) && isPunct(tokens[j], "(")
		if paren {
			j = skipSpace(tokens, j+1)
		}
		if j >= len(tokens) || tokens[j].Type != PP_IDENTIFIER {
			return nil, errorf(ErrSyntax, tok.Loc, `operator "defined" requires an identifier`)
		}
		name := tokens[j].Text
		if paren {
			j = skipSpace(tokens, j+1)
			if j >= len(tokens) || !isPunct(tokens[j], ")") {
				return nil, errorf(ErrSyntax, tok.Loc, `missing ')' after "defined"`)
			}
		}

		value := "0"
		if cp.macros.IsDefined(name) {
			value = "1"
		}
		result = append(result, Token{Type: PP_NUMBER, Text: value, Loc: tok.Loc})
		i = j
	}
	return result, nil
}
