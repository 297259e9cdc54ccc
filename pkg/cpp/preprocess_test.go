package cpp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTestdata(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func process(t *testing.T, opts PreprocessorOptions, source string) *Result {
	t.Helper()
	return NewPreprocessor(opts).Process(source, "test.c")
}

func TestPreprocessor_SimpleFile(t *testing.T) {
	pp := NewPreprocessor(PreprocessorOptions{})

	result, err := pp.PreprocessString("int x = 42;\n", "test.c")
	require.NoError(t, err)
	assert.Equal(t, "int x = 42;\n", result)
}

func TestPreprocessor_DefineExpansion(t *testing.T) {
	source := `#define VALUE 123
int x = VALUE;
`
	result, err := NewPreprocessor(PreprocessorOptions{}).PreprocessString(source, "test.c")
	require.NoError(t, err)
	assert.Equal(t, "int x = 123;\n", result)
}

func TestPreprocessor_ConditionalCompilation(t *testing.T) {
	source := `#define FEATURE 1
#if FEATURE
int feature_enabled;
#else
int feature_disabled;
#endif
#ifdef MISSING
int missing;
#elifndef FEATURE
int not_feature;
#else
int fallback;
#endif
`
	result, err := NewPreprocessor(PreprocessorOptions{}).PreprocessString(source, "test.c")
	require.NoError(t, err)
	assert.Equal(t, "int feature_enabled;\nint fallback;\n", result)
}

func TestPreprocessor_Fixtures(t *testing.T) {
	t.Run("shifted flag masks", func(t *testing.T) {
		// 0b111 != 0b1100 holds, so the guarded line is live
		res := process(t, PreprocessorOptions{}, readTestdata(t, "test_macro4.c"))
		require.Empty(t, res.Diagnostics)
		assert.Equal(t, "int should_appear;\nint always_here;\n", res.Text())
	})

	t.Run("pasted constant masks", func(t *testing.T) {
		res := process(t, PreprocessorOptions{}, readTestdata(t, "test_perl_like.c"))
		require.Empty(t, res.Diagnostics)
		assert.Contains(t, res.Text(), "int x;")
		assert.NotContains(t, res.Text(), "RXf_PMf")
	})

	t.Run("failed mask identity", func(t *testing.T) {
		res := process(t, PreprocessorOptions{}, readTestdata(t, "invalid_mask.c"))
		require.Len(t, res.Diagnostics, 1)
		d := res.Diagnostics[0]
		assert.True(t, d.Fatal)
		assert.True(t, d.Is(ErrUser))
		assert.Equal(t, "#error FLAGS is invalid", d.Msg)
		assert.Equal(t, 4, d.Loc.Line)
		assert.NotContains(t, res.Text(), "never_here")
	})

	t.Run("redefinition", func(t *testing.T) {
		res := process(t, PreprocessorOptions{}, readTestdata(t, "redefine.c"))
		require.Len(t, res.Diagnostics, 1)
		d := res.Diagnostics[0]
		assert.Equal(t, SeverityWarning, d.Severity)
		assert.True(t, d.Is(ErrRedefinition))
		assert.Equal(t, 2, d.Loc.Line)
		assert.False(t, res.HasErrors())
		assert.Equal(t, "int p[] = { (1, 2) };\n", res.Text())
	})
}

func TestPreprocessor_ErrorDirective(t *testing.T) {
	source := `#if 0
#error not reached
#endif
before
#error stop here
after
#if 1
`
	res := process(t, PreprocessorOptions{}, source)
	require.Len(t, res.Diagnostics, 1, "unterminated #if is not reported after #error")
	assert.True(t, res.Fatal())
	assert.True(t, res.HasErrors())
	assert.Equal(t, "test.c:5:1: error: #error stop here", res.Diagnostics[0].String())
	assert.Equal(t, "before\n", res.Text())
	assert.ErrorIs(t, res.Err(), ErrUser)

	_, err := NewPreprocessor(PreprocessorOptions{}).PreprocessString(source, "test.c")
	assert.ErrorIs(t, err, ErrUser)
}

func TestPreprocessor_WarningDirective(t *testing.T) {
	res := process(t, PreprocessorOptions{}, "#warning careful now\nx\n")
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, SeverityWarning, res.Diagnostics[0].Severity)
	assert.Equal(t, "#warning careful now", res.Diagnostics[0].Msg)
	assert.Equal(t, "x\n", res.Text())
	assert.NoError(t, res.Err())
}

func TestPreprocessor_ConditionalBalance(t *testing.T) {
	t.Run("unterminated", func(t *testing.T) {
		res := process(t, PreprocessorOptions{}, "#if 1\nx\n#ifdef Y\n")
		require.Len(t, res.Diagnostics, 1)
		d := res.Diagnostics[0]
		assert.True(t, d.Is(ErrUnterminatedConditional))
		assert.True(t, d.Fatal)
		assert.Equal(t, 3, d.Loc.Line)
		assert.Equal(t, "x\n", res.Text())
	})

	t.Run("unmatched endif", func(t *testing.T) {
		res := process(t, PreprocessorOptions{}, "a\n#endif\nb\n")
		require.Len(t, res.Diagnostics, 1)
		assert.True(t, res.Diagnostics[0].Is(ErrUnmatchedEndif))
		assert.False(t, res.Fatal())
		assert.Equal(t, "a\nb\n", res.Text())
	})

	t.Run("else without if", func(t *testing.T) {
		res := process(t, PreprocessorOptions{}, "#else\nb\n")
		require.Len(t, res.Diagnostics, 1)
		assert.True(t, res.Diagnostics[0].Is(ErrInvalidDirective))
	})

	t.Run("bad expression in dead region", func(t *testing.T) {
		res := process(t, PreprocessorOptions{}, "#if 0\n#if 1 +\n#endif\n#elif 1 / 0\n#endif\n")
		assert.Len(t, res.Diagnostics, 1, "only the live #elif is evaluated")
		assert.True(t, res.Diagnostics[0].Is(ErrDivisionByZero))
	})
}

func TestPreprocessor_ExpansionErrorsAreLocal(t *testing.T) {
	source := `#define F(a, b) a + b
F(1)
ok
#define CAT(a, b) a ## b
CAT(+, -)
F(2, 3)
`
	res := process(t, PreprocessorOptions{}, source)
	require.Len(t, res.Diagnostics, 2)
	assert.True(t, res.Diagnostics[0].Is(ErrArgumentCount))
	assert.Equal(t, 2, res.Diagnostics[0].Loc.Line)
	assert.True(t, res.Diagnostics[1].Is(ErrPaste))
	assert.Equal(t, "\nok\n\n2 + 3\n", res.Text())

	_, err := NewPreprocessor(PreprocessorOptions{}).PreprocessString(source, "test.c")
	assert.ErrorIs(t, err, ErrArgumentCount)
	assert.ErrorIs(t, err, ErrPaste)
}

func TestPreprocessor_MultiLineInvocation(t *testing.T) {
	source := `#define F(a, b) a+b
int x = F(1,
          2);
int y;
`
	res := process(t, PreprocessorOptions{}, source)
	require.Empty(t, res.Diagnostics)
	assert.Equal(t, "int x = 1+2;\nint y;\n", res.Text())

	res = process(t, PreprocessorOptions{KeepLines: true}, source)
	assert.Equal(t, "\nint x = 1+2;\n\nint y;\n", res.Text())

	// A directive ends the open invocation
	res = process(t, PreprocessorOptions{}, "#define F(a) a\nF(1,\n#define G\nG\n")
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, res.Diagnostics[0].Is(ErrUnterminatedInvocation))
	assert.Equal(t, "\n\n", res.Text())

	// So does the end of input
	res = process(t, PreprocessorOptions{}, "#define F(a) a\nF(1")
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, res.Diagnostics[0].Is(ErrUnterminatedInvocation))
}

func TestPreprocessor_NameBeforeLineBreak(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"paren on next line", "#define F(a) [a]\nint x = F\n(1);\n", "int x = [1];\n"},
		{"blank line between", "#define F(a) [a]\nF\n\n  (2)\n", "[2]\n"},
		{"not an invocation", "#define F(a) [a]\nint F\n;\n", "int F\n;\n"},
		{"directive in between", "#define F(a) [a]\nint x = F\n#define G 1\n(G);\n", "int x = F\n(1);\n"},
		{"end of input", "#define F(a) [a]\nx F\n", "x F\n"},
		{"end of input without newline", "#define F(a) [a]\nx F", "x F"},
		{"name from rescanning", "#define F(a) [a]\n#define G F\nG\n(3)\n", "[3]\n"},
		{"argument ending in a name", "#define F(a) [a]\n#define I(a) a\nI(F)\n(4)\n", "[4]\n"},
		{
			"rescanned invocation across lines",
			`#define x 3
#define f(a) f(x * (a))
#undef x
#define x 2
#define m(a) a(w)
#define w 0,1
& m
(f)^m(m);
`,
			"& f(2 * (0,1))^m(0,1);\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := process(t, PreprocessorOptions{}, tt.source)
			require.Empty(t, res.Diagnostics)
			assert.Equal(t, tt.want, res.Text())
		})
	}
}

func TestPreprocessor_KeepLines(t *testing.T) {
	source := "#define A 1\nA\n#if 0\nx\n#endif\ny\n"

	res := process(t, PreprocessorOptions{}, source)
	assert.Equal(t, "1\ny\n", res.Text())

	res = process(t, PreprocessorOptions{KeepLines: true}, source)
	assert.Equal(t, "\n1\n\n\n\ny\n", res.Text())
}

func TestPreprocessor_KeepLinesPhysicalLines(t *testing.T) {
	tests := []struct {
		name   string
		opts   PreprocessorOptions
		source string
		want   []string
	}{
		{
			name:   "continued define",
			source: "#define ALL \\\n (1 \\\n | 2)\nint a = ALL;\nint b = __LINE__;\n",
			want:   []string{"", "", "", "int a = (1", "int b = 5;"},
		},
		{
			name:   "comment in text",
			source: "a /* one\ntwo */ b\nc __LINE__\n",
			want:   []string{"a   b", "", "c 3"},
		},
		{
			name:   "comment kept in text",
			opts:   PreprocessorOptions{KeepComments: true},
			source: "a /* one\ntwo */ b\nc __LINE__\n",
			want:   []string{"a /* one", "two */ b", "c 3"},
		},
		{
			name:   "comment in directive",
			source: "#define X 1 /* one\ntwo */\nX __LINE__\n",
			want:   []string{"", "", "1 3"},
		},
		{
			name:   "skipped continuation",
			source: "#if 0\nx \\\ny\n#endif\n__LINE__\n",
			want:   []string{"", "", "", "", "5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.KeepLines = true
			res := process(t, tt.opts, tt.source)
			require.Empty(t, res.Diagnostics)
			lines := strings.Split(strings.TrimSuffix(res.Text(), "\n"), "\n")
			require.Len(t, lines, len(tt.want))
			for i, want := range tt.want {
				assert.True(t, strings.HasPrefix(lines[i], want), "line %d: %q", i+1, lines[i])
			}
		})
	}
}

func TestPreprocessor_Comments(t *testing.T) {
	source := "a /* c */ b // tail\n#define X /* in body */ 1\nX\n"

	res := process(t, PreprocessorOptions{}, source)
	assert.Equal(t, "a   b\n1\n", res.Text())

	res = process(t, PreprocessorOptions{KeepComments: true}, source)
	assert.Equal(t, "a /* c */ b // tail\n1\n", res.Text())
}

func TestPreprocessor_LineMarkers(t *testing.T) {
	res := NewPreprocessor(PreprocessorOptions{LineMarkers: true}).Process("x\n", "dir/main.c")
	assert.Equal(t, "# 1 \"dir/main.c\"\nx\n", res.Text())
	assert.Equal(t, "dir/main.c", res.File)
}

func TestPreprocessor_BuiltinMacros(t *testing.T) {
	res := process(t, PreprocessorOptions{}, "a\n__LINE__ __FILE__\n#undef __LINE__\n__LINE__\n")
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, SeverityWarning, res.Diagnostics[0].Severity)
	assert.Equal(t, "a\n2 \"test.c\"\n4\n", res.Text())
}

func TestPreprocessor_UnsupportedDirectives(t *testing.T) {
	tests := []struct {
		name   string
		source string
		kind   error
		msg    string
	}{
		{"include", "#include \"x.h\"\nint a;\n", ErrUnsupported, `#include is not supported: "x.h"`},
		{"include_next", "#include_next <x.h>\nint a;\n", ErrUnsupported, "#include_next is not supported"},
		{"unknown", "#frobnicate\nint a;\n", ErrInvalidDirective, "invalid preprocessing directive #frobnicate"},
		{"bad define", "#define 3 x\nint a;\n", ErrInvalidDirective, "macro names must be identifiers"},
		{"bad undef", "#undef\nint a;\n", ErrInvalidDirective, "no macro name given in #undef directive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := process(t, PreprocessorOptions{}, tt.source)
			require.Len(t, res.Diagnostics, 1)
			assert.True(t, res.Diagnostics[0].Is(tt.kind))
			assert.Contains(t, res.Diagnostics[0].Msg, tt.msg)
			assert.Equal(t, "int a;\n", res.Text(), "processing continues")
		})
	}

	// Accepted without effect
	res := process(t, PreprocessorOptions{}, "#pragma once\n#line 10\n# 5 \"x.c\"\n#\nint a;\n")
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, "int a;\n", res.Text())

	// Skipped regions ignore them entirely
	res = process(t, PreprocessorOptions{}, "#if 0\n#include <x.h>\n#frobnicate\n#endif\n")
	assert.Empty(t, res.Diagnostics)
}

func TestPreprocessor_LexErrors(t *testing.T) {
	res := process(t, PreprocessorOptions{}, "a = 'b;\nok\n")
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, res.Diagnostics[0].Is(ErrLex))
	assert.Equal(t, SeverityError, res.Diagnostics[0].Severity)
	assert.Contains(t, res.Text(), "ok")

	// Apostrophes in #warning text are only a warning
	res = process(t, PreprocessorOptions{}, "#warning don't do this\n")
	require.Len(t, res.Diagnostics, 2)
	assert.Equal(t, SeverityWarning, res.Diagnostics[0].Severity)
	assert.False(t, res.HasErrors())

	// Skipped lines are not checked
	res = process(t, PreprocessorOptions{}, "#if 0\n'\n#endif\n")
	assert.Empty(t, res.Diagnostics)
}

func TestPreprocessor_LexErrorsOnConditionals(t *testing.T) {
	res := process(t, PreprocessorOptions{}, "#if 1 /* open\nx\n#endif\ny\n")
	require.NotEmpty(t, res.Diagnostics)
	d := res.Diagnostics[0]
	assert.True(t, d.Is(ErrLex))
	assert.Equal(t, SeverityError, d.Severity)
	assert.Contains(t, d.Msg, "unterminated comment")
	assert.Equal(t, SourceLoc{File: "test.c", Line: 1, Column: 7}, d.Loc)

	res = process(t, PreprocessorOptions{}, "#if '\\q' == 'q'\nyes\n#endif\n")
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, res.Diagnostics[0].Is(ErrLex))
	assert.Contains(t, res.Diagnostics[0].Msg, `unknown escape sequence '\q'`)
	assert.True(t, res.HasErrors())

	res = process(t, PreprocessorOptions{}, "#ifdef A\n#elif '\\q'\n#endif\n")
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, res.Diagnostics[0].Is(ErrLex))

	// Nothing is reported inside a skipped region
	res = process(t, PreprocessorOptions{}, "#if 0\n#if '\\q'\n#elif 'a\n#endif\n#endif\n")
	assert.Empty(t, res.Diagnostics)
}

func TestPreprocessor_CommandLineDefines(t *testing.T) {
	opts := PreprocessorOptions{
		Defines:   []string{"DEBUG", "LEVEL=3", "SQ(x)=((x)*(x))", "GONE=1"},
		Undefines: []string{"GONE"},
	}
	res := process(t, opts, "DEBUG LEVEL SQ(2) GONE\n")
	require.Empty(t, res.Diagnostics)
	assert.Equal(t, "1 3 ((2)*(2)) GONE\n", res.Text())

	res = process(t, PreprocessorOptions{Defines: []string{"1BAD=2"}}, "x\n")
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, res.Diagnostics[0].Is(ErrInvalidDirective))
	assert.Equal(t, "<command line>", res.Diagnostics[0].Loc.File)
	assert.Equal(t, "x\n", res.Text())
}

func TestPreprocessor_Predefined(t *testing.T) {
	base := NewMacroTable()
	require.NoError(t, base.DefineSimple("__GNUC__", "4"))

	pp := NewPreprocessor(PreprocessorOptions{Predefined: base})
	out, err := pp.PreprocessString("#if __GNUC__ >= 4\nnew\n#endif\n#define LOCAL\n", "a.c")
	require.NoError(t, err)
	assert.Equal(t, "new\n", out)
	assert.False(t, base.IsDefined("LOCAL"), "predefined table is not modified")
	assert.True(t, pp.Macros().IsDefined("LOCAL"))
}

func TestPreprocessor_MacrosCarryOver(t *testing.T) {
	pp := NewPreprocessor(PreprocessorOptions{})
	first := pp.Process("#define A 1\n#if 1\n", "a.c")
	assert.True(t, first.Fatal())

	second := pp.Process("A\n", "b.c")
	assert.Empty(t, second.Diagnostics, "conditional stack is reset")
	assert.Equal(t, "1\n", second.Text())
}

func TestPreprocessor_SkipExpandAndDepth(t *testing.T) {
	res := process(t, PreprocessorOptions{SkipExpand: []string{"assert"}}, "#define assert(x) check(x)\nassert(1)\n")
	assert.Equal(t, "assert(1)\n", res.Text())

	res = process(t, PreprocessorOptions{MaxExpansionDepth: 2}, "#define A B\n#define B C\n#define C 1\nA\n")
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, res.Diagnostics[0].Is(ErrRecursionLimit))
}

func TestPreprocessor_Hooks(t *testing.T) {
	var defined, expanded []string
	opts := PreprocessorOptions{
		OnDefine: func(m *Macro) { defined = append(defined, m.Name) },
		OnExpand: func(m *Macro, _ [][]Token) { expanded = append(expanded, m.Name) },
	}
	source := `#define A 1
#define A 1
#define F(x) x + A
#if A
F(2)
#endif
`
	res := process(t, opts, source)
	require.Empty(t, res.Diagnostics)
	assert.Equal(t, []string{"A", "F"}, defined, "identical redefinition installs nothing")
	assert.Equal(t, []string{"A", "F", "A"}, expanded)
}

func TestPreprocessor_PerlLikeExpansion(t *testing.T) {
	source := readTestdata(t, "test_perl_like.c")
	pp := NewPreprocessor(PreprocessorOptions{})
	require.Empty(t, pp.Process(source, "test_perl_like.c").Diagnostics)

	got, err := NewExpander(pp.Macros()).ExpandString("RXf_PMf_CHARSET")
	require.NoError(t, err)
	assert.Equal(t, "(7U << (((0)+7)))", strings.ReplaceAll(got, "  ", " "))

	v, err := Evaluate(tokenize(mustExpand(t, pp.Macros(), "RXf_PMf_COMPILETIME")))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7FF), v.Uint64())
	assert.True(t, v.Unsigned)
}

func mustExpand(t *testing.T, mt *MacroTable, s string) string {
	t.Helper()
	out, err := NewExpander(mt).ExpandString(s)
	require.NoError(t, err)
	return out
}

func TestPreprocessor_Evaluate(t *testing.T) {
	pp := NewPreprocessor(PreprocessorOptions{Defines: []string{"LEVEL=3", "MASK(n)=((1u << (n)) - 1)"}})

	v, err := pp.Evaluate("LEVEL * 2 + defined(LEVEL)")
	require.NoError(t, err)
	assert.Equal(t, "7", v.String())

	v, err = pp.Evaluate("MASK(LEVEL)")
	require.NoError(t, err)
	assert.Equal(t, "7u", v.String())

	_, err = pp.Evaluate("LEVEL / 0")
	require.ErrorIs(t, err, ErrDivisionByZero)

	_, err = pp.Evaluate("'unterminated")
	require.ErrorIs(t, err, ErrLex)
}
