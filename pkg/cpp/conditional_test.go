package cpp

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineLoc(line int) SourceLoc {
	return SourceLoc{File: "test.c", Line: line, Column: 1}
}

// applyDirective feeds one directive line such as "elif X > 1" or "endif"
// to cp.
func applyDirective(cp *ConditionalProcessor, line string, loc SourceLoc) error {
	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "if":
		return cp.ProcessIf(tokenize(rest), loc)
	case "ifdef":
		return cp.ProcessIfdef(rest, loc)
	case "ifndef":
		return cp.ProcessIfndef(rest, loc)
	case "elif":
		return cp.ProcessElif(tokenize(rest), loc)
	case "elifdef":
		return cp.ProcessElifdef(rest, loc)
	case "elifndef":
		return cp.ProcessElifndef(rest, loc)
	case "else":
		return cp.ProcessElse(loc)
	case "endif":
		return cp.ProcessEndif(loc)
	}
	return errors.New("unknown directive " + name)
}

func TestConditionalIfdef(t *testing.T) {
	tests := []struct {
		name     string
		defined  []string
		testName string
		expect   bool
	}{
		{"defined macro", []string{"FOO"}, "FOO", true},
		{"undefined macro", nil, "FOO", false},
		{"one of many", []string{"BAR", "FOO", "BAZ"}, "FOO", true},
		{"builtin", nil, "__LINE__", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewConditionalProcessor(newTestTable(t, tt.defined...), nil)

			require.NoError(t, cp.ProcessIfdef(tt.testName, lineLoc(1)))
			assert.Equal(t, tt.expect, cp.IsActive())
			require.NoError(t, cp.ProcessEndif(lineLoc(2)))

			require.NoError(t, cp.ProcessIfndef(tt.testName, lineLoc(3)))
			assert.Equal(t, !tt.expect, cp.IsActive())
			require.NoError(t, cp.ProcessEndif(lineLoc(4)))
			assert.Zero(t, cp.Depth())
		})
	}
}

func TestConditionalIf(t *testing.T) {
	tests := []struct {
		name    string
		defines []string
		expr    string
		expect  bool
	}{
		{"simple true", nil, "1", true},
		{"simple false", nil, "0", false},
		{"comparison", nil, "1 > 0", true},
		{"defined macro value", []string{"X=42"}, "X > 0", true},
		{"undefined evaluates to 0", nil, "UNDEFINED", false},
		{"defined operator", []string{"FOO"}, "defined(FOO)", true},
		{"defined operator not", nil, "defined(FOO)", false},
		{"logical and", nil, "1 && 1", true},
		{"logical or", nil, "0 || 1", true},
		{"complex", []string{"X=5"}, "X >= 5 && X < 10", true},
		{"function-like macro", []string{"MAX(a,b)=((a) > (b) ? (a) : (b))"}, "MAX(3, 7) == 7", true},
		{"function-like name alone", []string{"F(x)=x"}, "F", false},
		{"empty macro operand", []string{"EMPTY="}, "EMPTY 1", true},
		{"defined from expansion", []string{"HAVE_X=defined(X)", "X"}, "HAVE_X", true},
		{"unsigned wraparound", nil, "-1 > 0u", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewConditionalProcessor(newTestTable(t, tt.defines...), nil)
			require.NoError(t, cp.ProcessIf(tokenize(tt.expr), lineLoc(1)))
			assert.Equal(t, tt.expect, cp.IsActive())
		})
	}
}

func TestDefinedOperator(t *testing.T) {
	tests := []struct {
		name    string
		defined []string
		expr    string
		expect  bool
	}{
		{"defined(X) true", []string{"X"}, "defined(X)", true},
		{"defined(X) false", nil, "defined(X)", false},
		{"defined X true", []string{"X"}, "defined X", true},
		{"defined X false", nil, "defined X", false},
		{"spaced parens", []string{"X"}, "defined ( X )", true},
		{"!defined(X)", nil, "!defined(X)", true},
		{"defined(X) && defined(Y)", []string{"X", "Y"}, "defined(X) && defined(Y)", true},
		{"defined(X) || defined(Y)", []string{"X"}, "defined(X) || defined(Y)", true},
		{"operand is not expanded", []string{"X=Y"}, "defined(X) && !defined(Y)", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewConditionalProcessor(newTestTable(t, tt.defined...), nil)
			got, err := cp.EvaluateCondition(tokenize(tt.expr), lineLoc(1))
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestDefinedOperatorErrors(t *testing.T) {
	cp := NewConditionalProcessor(NewMacroTable(), nil)

	_, err := cp.EvaluateCondition(tokenize("defined"), lineLoc(1))
	require.ErrorIs(t, err, ErrSyntax)
	assert.Contains(t, err.Error(), `operator "defined" requires an identifier`)

	_, err = cp.EvaluateCondition(tokenize("defined(X"), lineLoc(1))
	require.ErrorIs(t, err, ErrSyntax)
	assert.Contains(t, err.Error(), `missing ')' after "defined"`)

	_, err = cp.EvaluateCondition(tokenize("defined(1)"), lineLoc(1))
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestConditionalChains(t *testing.T) {
	tests := []struct {
		name    string
		defines []string
		lines   []string
		active  []bool
	}{
		{
			name:   "else",
			lines:  []string{"if 0", "else", "endif"},
			active: []bool{false, true, true},
		},
		{
			name:   "else after taken",
			lines:  []string{"if 1", "else", "endif"},
			active: []bool{true, false, true},
		},
		{
			name:   "elif chain takes first true branch",
			lines:  []string{"if 0", "elif 0", "elif 1", "elif 1", "else", "endif"},
			active: []bool{false, false, true, false, false, true},
		},
		{
			name:    "elifdef and elifndef",
			defines: []string{"B"},
			lines:   []string{"ifdef A", "elifndef B", "elifdef B", "else", "endif"},
			active:  []bool{false, false, true, false, true},
		},
		{
			name:   "nested in live branch",
			lines:  []string{"if 1", "if 0", "else", "endif", "endif"},
			active: []bool{true, false, true, true, true},
		},
		{
			name:   "nested in dead branch",
			lines:  []string{"if 0", "if 1", "elif 1", "else", "endif", "else", "endif"},
			active: []bool{false, false, false, false, false, true, true},
		},
		{
			name:   "taken branch skips later errors",
			lines:  []string{"if 1", "elif 1 / 0", "elif (", "endif"},
			active: []bool{true, false, false, true},
		},
		{
			name:   "dead region skips bad expressions",
			lines:  []string{"if 0", "if 1 +", "endif", "endif"},
			active: []bool{false, false, false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Len(t, tt.active, len(tt.lines))
			cp := NewConditionalProcessor(newTestTable(t, tt.defines...), nil)
			for i, line := range tt.lines {
				require.NoError(t, applyDirective(cp, line, lineLoc(i+1)), line)
				assert.Equal(t, tt.active[i], cp.IsActive(), "after #%s", line)
			}
			assert.NoError(t, cp.CheckBalanced())
		})
	}
}

func TestConditionalFrames(t *testing.T) {
	cp := NewConditionalProcessor(NewMacroTable(), nil)
	require.NoError(t, cp.ProcessIf(tokenize("0"), lineLoc(1)))
	require.NoError(t, cp.ProcessIfdef("X", lineLoc(2)))

	frames := cp.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, FrameSkipping, frames[0].State)
	assert.Equal(t, "#if", frames[0].Directive)
	assert.Equal(t, FrameDead, frames[1].State)
	assert.Equal(t, lineLoc(2), frames[1].Loc)

	require.NoError(t, cp.ProcessEndif(lineLoc(3)))
	require.NoError(t, cp.ProcessElse(lineLoc(4)))
	frames = cp.Frames()
	assert.Equal(t, FrameActive, frames[0].State)
	assert.True(t, frames[0].SeenElse)

	// Frames is a copy
	frames[0].State = FrameDead
	assert.True(t, cp.IsActive())

	assert.Equal(t, "taken", FrameTaken.String())
	assert.Equal(t, "unknown", FrameState(42).String())
}

func TestConditionalErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		kind  error
		msg   string
	}{
		{"else without if", []string{"else"}, ErrInvalidDirective, "#else without #if"},
		{"elif without if", []string{"elif 1"}, ErrInvalidDirective, "#elif without #if"},
		{"elifdef without if", []string{"elifdef X"}, ErrInvalidDirective, "#elifdef without #if"},
		{"endif without if", []string{"endif"}, ErrUnmatchedEndif, "#endif without #if"},
		{"elif after else", []string{"if 0", "else", "elif 1"}, ErrInvalidDirective, "#elif after #else"},
		{"else after else", []string{"if 1", "else", "else"}, ErrInvalidDirective, "#else after #else"},
		{"division by zero", []string{"if 1 / 0"}, ErrDivisionByZero, "division by zero in #if"},
		{"elif evaluated when skipping", []string{"if 0", "elif 1 / 0"}, ErrDivisionByZero, "division by zero in #if"},
		{"empty expression", []string{"if"}, ErrSyntax, "#if with no expression"},
		{"bad macro call", []string{"if F(1, 2)"}, ErrArgumentCount, `macro "F" passed 2 arguments, but takes just 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewConditionalProcessor(newTestTable(t, "F(x)=x"), nil)
			var err error
			for i, line := range tt.lines {
				if err = applyDirective(cp, line, lineLoc(i+1)); err != nil {
					break
				}
			}
			require.ErrorIs(t, err, tt.kind)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Contains(t, err.Error(), "test.c:")
		})
	}
}

func TestConditionalFailedIfCountsAsFalse(t *testing.T) {
	cp := NewConditionalProcessor(NewMacroTable(), nil)
	require.Error(t, cp.ProcessIf(tokenize("1 +"), lineLoc(1)))
	assert.Equal(t, 1, cp.Depth())
	assert.False(t, cp.IsActive())

	require.NoError(t, cp.ProcessElse(lineLoc(2)))
	assert.True(t, cp.IsActive())
	require.NoError(t, cp.ProcessEndif(lineLoc(3)))
}

func TestConditionalCheckBalanced(t *testing.T) {
	cp := NewConditionalProcessor(NewMacroTable(), nil)
	assert.NoError(t, cp.CheckBalanced())

	require.NoError(t, cp.ProcessIf(tokenize("1"), lineLoc(3)))
	err := cp.CheckBalanced()
	require.ErrorIs(t, err, ErrUnterminatedConditional)
	assert.Equal(t, "test.c:3:1: unterminated #if", err.Error())

	require.NoError(t, cp.ProcessIfdef("X", lineLoc(5)))
	err = cp.CheckBalanced()
	require.ErrorIs(t, err, ErrUnterminatedConditional)
	assert.Equal(t, "test.c:5:1: unterminated #ifdef, 2 levels unclosed", err.Error())

	require.NoError(t, cp.ProcessEndif(lineLoc(6)))
	require.NoError(t, cp.ProcessEndif(lineLoc(7)))
	assert.NoError(t, cp.CheckBalanced())
}
