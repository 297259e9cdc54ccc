// Package preproc runs the C preprocessor over files.
// It provides both the internal preprocessor implementation and fallback
// to an external system preprocessor (cc -E) for cross-checking output.
package preproc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raymyers/ralph-cpp/pkg/cpp"
)

// Options configures the preprocessing step
type Options struct {
	Defines           []string // -D macros, NAME or NAME=VALUE, in order
	Undefines         []string // -U macros
	SkipExpand        []string // macros left unexpanded
	MaxExpansionDepth int      // 0 for the engine default
	KeepComments      bool     // Keep comments in text lines
	KeepLines         bool     // Keep line numbering stable
	LineMarkers       bool     // Generate a # 1 "file" header
	UseExternal       bool     // Force use of external preprocessor
	Jobs              int      // Parallel units in PreprocessFiles, 0 for no limit
	Logger            *zap.Logger
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// engineOptions maps Options onto the engine's options.
func (o *Options) engineOptions() cpp.PreprocessorOptions {
	if o == nil {
		return cpp.PreprocessorOptions{}
	}
	return cpp.PreprocessorOptions{
		Defines:           o.Defines,
		Undefines:         o.Undefines,
		SkipExpand:        o.SkipExpand,
		MaxExpansionDepth: o.MaxExpansionDepth,
		KeepComments:      o.KeepComments,
		KeepLines:         o.KeepLines,
		LineMarkers:       o.LineMarkers,
		Logger:            o.Logger,
	}
}

// Preprocess reads the given source file and preprocesses it. The error
// covers reading the file and running an external preprocessor; problems
// in the source itself are diagnostics in the result.
// By default, it uses the internal preprocessor. Set UseExternal option
// to force use of the system preprocessor.
func Preprocess(filename string, opts *Options) (*cpp.Result, error) {
	source, err := ReadSource(filename)
	if err != nil {
		return nil, err
	}
	return PreprocessString(source, filename, opts)
}

// PreprocessString preprocesses C source code provided as a string.
// filename is used for diagnostics and __FILE__.
func PreprocessString(source, filename string, opts *Options) (*cpp.Result, error) {
	if !NeedsPreprocessing(filename) {
		return passThrough(source, filename), nil
	}
	if opts != nil && opts.UseExternal {
		return preprocessExternal(context.Background(), source, filename, opts)
	}
	return cpp.NewPreprocessor(opts.engineOptions()).Process(source, filename), nil
}

// PreprocessFiles expands patterns and preprocesses every matching file,
// at most opts.Jobs at a time. Results are in file order.
func PreprocessFiles(ctx context.Context, patterns []string, opts *Options) ([]*cpp.Result, error) {
	files, err := Expand(patterns)
	if err != nil {
		return nil, err
	}
	log := opts.logger()

	results := make([]*cpp.Result, len(files))
	var sources []cpp.Source
	var index []int
	for i, name := range files {
		source, err := ReadSource(name)
		if err != nil {
			return nil, err
		}
		if !NeedsPreprocessing(name) {
			results[i] = passThrough(source, name)
			continue
		}
		sources = append(sources, cpp.Source{Name: name, Content: source})
		index = append(index, i)
	}
	log.Debug("preprocessing files", zap.Int("files", len(files)), zap.Int("sources", len(sources)))

	var done []*cpp.Result
	if opts != nil && opts.UseExternal {
		done, err = runExternal(ctx, sources, opts)
	} else {
		done, err = cpp.ProcessAll(ctx, sources, opts.engineOptions(), jobs(opts))
	}
	for k, res := range done {
		results[index[k]] = res
	}
	return results, err
}

// Evaluate evaluates expr as an #if expression. The files matched by
// patterns are first run in order through one preprocessor so their
// definitions are visible; their results are returned for reporting.
func Evaluate(expr string, patterns []string, opts *Options) (cpp.Value, []*cpp.Result, error) {
	var files []string
	if len(patterns) > 0 {
		var err error
		if files, err = Expand(patterns); err != nil {
			return cpp.Value{}, nil, err
		}
	}

	pp := cpp.NewPreprocessor(opts.engineOptions())
	var results []*cpp.Result
	for _, name := range files {
		source, err := ReadSource(name)
		if err != nil {
			return cpp.Value{}, results, err
		}
		results = append(results, pp.Process(source, name))
	}
	opts.logger().Debug("evaluating", zap.String("expr", expr), zap.Int("macros", pp.Macros().Len()))

	v, err := pp.Evaluate(expr)
	return v, results, err
}

func jobs(opts *Options) int {
	if opts == nil {
		return 0
	}
	return opts.Jobs
}

func runExternal(ctx context.Context, sources []cpp.Source, opts *Options) ([]*cpp.Result, error) {
	results := make([]*cpp.Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Jobs > 0 {
		g.SetLimit(opts.Jobs)
	}
	for i, src := range sources {
		g.Go(func() error {
			res, err := preprocessExternal(gctx, src.Content, src.Name, opts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	return results, g.Wait()
}

// preprocessExternal uses the system C preprocessor (cc -E). The source
// is fed on stdin so compressed inputs work the same as plain ones.
func preprocessExternal(ctx context.Context, source, filename string, opts *Options) (*cpp.Result, error) {
	// Build the command arguments
	args := []string{"-E", "-x", "c"} // Preprocess only
	if !opts.LineMarkers {
		args = append(args, "-P")
	}
	if opts.KeepComments {
		args = append(args, "-C")
	}
	for _, d := range opts.Defines {
		args = append(args, "-D"+d)
	}
	for _, name := range opts.Undefines {
		args = append(args, "-U"+name)
	}
	args = append(args, "-")

	// Find the preprocessor command
	cppCmd := findPreprocessor()
	if cppCmd == "" {
		return nil, fmt.Errorf("no C preprocessor found (tried: cc, gcc, clang)")
	}

	cmd := exec.CommandContext(ctx, cppCmd, args...)
	cmd.Stdin = strings.NewReader(source)

	// Capture stdout and stderr
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Set the working directory to the file's directory for relative includes
	cmd.Dir = filepath.Dir(filename)

	opts.logger().Debug("running external preprocessor", zap.String("cmd", cppCmd), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("preprocessing %s failed: %w\n%s", filename, err, stderr.String())
	}

	return passThrough(stdout.String(), filename), nil
}

// passThrough wraps already preprocessed text in a Result.
func passThrough(text, filename string) *cpp.Result {
	tokens := cpp.NewLexer(text, filename).AllTokens()
	return &cpp.Result{File: filename, Tokens: tokens[:len(tokens)-1]}
}

// NeedsPreprocessing returns true if the file might need preprocessing.
// Files ending in .i or .p are considered already preprocessed; a
// compression suffix is ignored.
func NeedsPreprocessing(filename string) bool {
	name := strings.TrimSuffix(strings.TrimSuffix(filename, ".xz"), ".gz")
	ext := strings.ToLower(filepath.Ext(name))
	return ext != ".i" && ext != ".p"
}

// findPreprocessor searches for a C preprocessor on the system
func findPreprocessor() string {
	// Try common preprocessor commands
	candidates := []string{"cc", "gcc", "clang"}

	for _, cmd := range candidates {
		if path, err := exec.LookPath(cmd); err == nil {
			return path
		}
	}
	return ""
}
