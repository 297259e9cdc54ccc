package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/raymyers/ralph-cpp/pkg/cpp"
	"github.com/raymyers/ralph-cpp/pkg/preproc"
)

var version = "0.1.0"

// Preprocessor options
var (
	defineFlags   []string
	undefineFlags []string
	skipFlags     []string
	configPath    string
	jobs          int
	maxDepth      int
	keepComments  bool
	keepLines     bool
	lineMarkers   bool
	useExternalPP bool // Use external preprocessor
)

// Output options
var (
	outputFormat string
	evalExpr     string
	verbose      bool
)

// ErrDiagnostics is returned when preprocessing reported errors. The
// diagnostics themselves have already been printed.
var ErrDiagnostics = errors.New("preprocessing reported errors")

func main() {
	os.Exit(run())
}

func run() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

// execute runs the command line and returns the exit status.
func execute(args []string, out, errOut io.Writer) int {
	rootCmd := newRootCmd(out, errOut)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, ErrDiagnostics) {
			fmt.Fprintf(errOut, "ralph-cpp: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ralph-cpp [file|glob]...",
		Short: "ralph-cpp is a C macro preprocessor",
		Long: `ralph-cpp expands C preprocessor macros and evaluates conditional
compilation directives. Arguments may be files or glob patterns
(including **); each file is preprocessed on its own, in parallel.
Files ending in .xz or .gz are decompressed, and .i files are passed
through unchanged.`,
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputFormat != "text" && outputFormat != "yaml" {
				return fmt.Errorf("unknown format %q (want text or yaml)", outputFormat)
			}
			if len(args) == 0 && evalExpr == "" {
				return cmd.Help()
			}

			opts, err := buildPreprocessorOptions(cmd, errOut)
			if err != nil {
				return err
			}
			defer opts.Logger.Sync()

			if evalExpr != "" {
				return doEval(args, opts, out, errOut)
			}
			return doPreprocess(cmd.Context(), args, opts, out, errOut)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().StringArrayVarP(&defineFlags, "define", "D", nil, "Define macro (NAME or NAME=VALUE)")
	rootCmd.Flags().StringArrayVarP(&undefineFlags, "undefine", "U", nil, "Undefine macro")
	rootCmd.Flags().StringArrayVar(&skipFlags, "skip", nil, "Never expand this macro")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Read options from a YAML file")
	rootCmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "Files preprocessed in parallel (0 for no limit)")
	rootCmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Macro expansion depth limit (0 for the default)")
	rootCmd.Flags().BoolVar(&keepComments, "keep-comments", false, "Keep comments in the output")
	rootCmd.Flags().BoolVar(&keepLines, "keep-lines", false, "Keep output lines aligned with input lines")
	rootCmd.Flags().BoolVar(&lineMarkers, "line-markers", false, "Start each output with a # 1 \"file\" marker")
	rootCmd.Flags().BoolVar(&useExternalPP, "external-cpp", false, "Use external C preprocessor instead of internal")
	rootCmd.Flags().StringVar(&outputFormat, "format", "text", "Output format: text or yaml")
	rootCmd.Flags().StringVarP(&evalExpr, "eval", "e", "", "Evaluate an #if expression and print its value")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log preprocessor operation to stderr")

	return rootCmd
}

// buildPreprocessorOptions creates preproc.Options from the config file
// and CLI flags. Flags given explicitly win over the config file.
func buildPreprocessorOptions(cmd *cobra.Command, errOut io.Writer) (*preproc.Options, error) {
	opts := &preproc.Options{
		Defines:           defineFlags,
		Undefines:         undefineFlags,
		SkipExpand:        skipFlags,
		MaxExpansionDepth: maxDepth,
		KeepComments:      keepComments,
		KeepLines:         keepLines,
		LineMarkers:       lineMarkers,
		UseExternal:       useExternalPP,
		Jobs:              jobs,
		Logger:            newLogger(errOut),
	}

	if configPath != "" {
		cfg, err := preproc.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg.Apply(opts)

		flags := cmd.Flags()
		if flags.Changed("keep-comments") {
			opts.KeepComments = keepComments
		}
		if flags.Changed("keep-lines") {
			opts.KeepLines = keepLines
		}
		if flags.Changed("line-markers") {
			opts.LineMarkers = lineMarkers
		}
		if flags.Changed("jobs") {
			opts.Jobs = jobs
		}
		if flags.Changed("max-depth") {
			opts.MaxExpansionDepth = maxDepth
		}
	}
	if opts.Jobs < 0 || opts.MaxExpansionDepth < 0 {
		return nil, errors.New("--jobs and --max-depth must not be negative")
	}
	return opts, nil
}

// newLogger returns a development logger on errOut with --verbose and a
// no-op logger otherwise.
func newLogger(errOut io.Writer) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.AddSync(errOut), zapcore.DebugLevel)
	return zap.New(core, zap.Development())
}

// doPreprocess preprocesses every file and writes the output to out and
// the diagnostics to errOut.
func doPreprocess(ctx context.Context, patterns []string, opts *preproc.Options, out, errOut io.Writer) error {
	results, err := preproc.PreprocessFiles(ctx, patterns, opts)
	if err != nil {
		return err
	}

	if outputFormat == "yaml" {
		if err := writeReport(out, results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			fmt.Fprint(out, res.Text())
		}
	}

	p := newDiagnosticPrinter(errOut)
	failed := false
	for _, res := range results {
		p.print(res.Diagnostics)
		failed = failed || res.HasErrors()
	}
	if failed {
		return ErrDiagnostics
	}
	return nil
}

// doEval evaluates --eval after running the given files for their
// definitions.
func doEval(patterns []string, opts *preproc.Options, out, errOut io.Writer) error {
	v, results, err := preproc.Evaluate(evalExpr, patterns, opts)

	p := newDiagnosticPrinter(errOut)
	failed := false
	for _, res := range results {
		p.print(res.Diagnostics)
		failed = failed || res.HasErrors()
	}
	if err != nil {
		var pe *cpp.Error
		if !errors.As(err, &pe) {
			return err
		}
		p.print([]cpp.Diagnostic{{Severity: cpp.SeverityError, Loc: pe.Loc, Msg: pe.Msg, Err: err}})
		return ErrDiagnostics
	}

	if outputFormat == "yaml" {
		enc := yaml.NewEncoder(out)
		if err := enc.Encode(evalReport{Expr: evalExpr, Value: v.String(), True: v.IsTrue()}); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, v.String())
	}
	if failed {
		return ErrDiagnostics
	}
	return nil
}

// report is the --format yaml document.
type report struct {
	Files []fileReport `yaml:"files"`
}

type evalReport struct {
	Expr  string `yaml:"expr"`
	Value string `yaml:"value"`
	True  bool   `yaml:"true"`
}

type fileReport struct {
	File        string             `yaml:"file"`
	Output      string             `yaml:"output"`
	Diagnostics []diagnosticReport `yaml:"diagnostics,omitempty"`
}

type diagnosticReport struct {
	Severity cpp.Severity  `yaml:"severity"`
	Loc      cpp.SourceLoc `yaml:"loc"`
	Message  string        `yaml:"message"`
	Fatal    bool          `yaml:"fatal,omitempty"`
}

func writeReport(w io.Writer, results []*cpp.Result) error {
	var r report
	for _, res := range results {
		fr := fileReport{File: res.File, Output: res.Text()}
		for _, d := range res.Diagnostics {
			fr.Diagnostics = append(fr.Diagnostics, diagnosticReport{
				Severity: d.Severity,
				Loc:      d.Loc,
				Message:  d.Msg,
				Fatal:    d.Fatal,
			})
		}
		r.Files = append(r.Files, fr)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&r); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return enc.Close()
}

// diagnosticPrinter writes diagnostics as "file:line:col: severity: msg",
// coloured when the writer is a terminal.
type diagnosticPrinter struct {
	w       io.Writer
	loc     *color.Color
	err     *color.Color
	warning *color.Color
}

func newDiagnosticPrinter(w io.Writer) *diagnosticPrinter {
	p := &diagnosticPrinter{
		w:       w,
		loc:     color.New(color.Bold),
		err:     color.New(color.FgRed, color.Bold),
		warning: color.New(color.FgMagenta, color.Bold),
	}
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	for _, c := range []*color.Color{p.loc, p.err, p.warning} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *diagnosticPrinter) print(diags []cpp.Diagnostic) {
	for _, d := range diags {
		sev := p.err
		if d.Severity == cpp.SeverityWarning {
			sev = p.warning
		}
		fmt.Fprintf(p.w, "%s %s %s\n", p.loc.Sprint(d.Loc.String()+":"), sev.Sprint(d.Severity.String()+":"), d.Msg)
	}
}
