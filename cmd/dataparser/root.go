package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dataparser/dataparser/internal/apperr"
	"github.com/dataparser/dataparser/internal/config"
	"github.com/dataparser/dataparser/internal/format"
	"github.com/dataparser/dataparser/internal/logging"
	"github.com/dataparser/dataparser/internal/models"
	"github.com/dataparser/dataparser/internal/output"
	"github.com/dataparser/dataparser/internal/pipeline"
)

// app carries the process streams and the outcome of one invocation.
type app struct {
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	exitCode int

	flags struct {
		config          string
		format          string
		formatFile      string
		formatsDir      string
		overwrite       bool
		onInvalid       string
		invalidMarker   string
		crlf            bool
		keepValidPrefix bool
		chunkSize       string
		status          string
		logLevel        string
		logFormat       string
		logFile         string
		abortOnStdinEOF bool
		typeTag         string
	}
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		if a.exitCode == apperr.ExitOK {
			return apperr.ExitInvalid
		}
	}
	return a.exitCode
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dataparser [flags] <raw-file>",
		Short: "Convert a raw data file into a CSV beside it",
		Long: "dataparser decodes one raw data file with a table-driven format, writes the\n" +
			"records as <name>.csv in the same directory and exits with the job outcome.",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          a.runParse,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: Version,
	}
	root.SetVersionTemplate("{{.Name}} {{.Version}} (built " + BuildTime + ")\n")

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.config, "config", "", "XML config file (default: "+config.FileName+" beside the executable)")
	pf.StringVar(&a.flags.formatFile, "format-file", "", "load an extra YAML format table")
	pf.StringVar(&a.flags.formatsDir, "formats-dir", "", "load every YAML format table in this directory")

	f := root.Flags()
	f.StringVarP(&a.flags.format, "format", "f", "", "format table name (skips detection)")
	f.BoolVar(&a.flags.overwrite, "overwrite", false, "replace an existing output file")
	f.StringVar(&a.flags.onInvalid, "on-invalid", "", "records with undecodable fields: mark or skip")
	f.StringVar(&a.flags.invalidMarker, "invalid-marker", "", "cell text for undecodable fields")
	f.BoolVar(&a.flags.crlf, "crlf", false, "terminate CSV rows with CRLF")
	f.BoolVar(&a.flags.keepValidPrefix, "keep-valid-prefix", false, "publish rows decoded before a corrupt frame")
	f.StringVar(&a.flags.chunkSize, "chunk-size", "", "read buffer size, e.g. 64KiB or 1MB")
	f.StringVar(&a.flags.status, "status", "text", "terminal status on stdout: text, json, msgpack or none")
	f.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&a.flags.logFormat, "log-format", "", "text or json")
	f.StringVar(&a.flags.logFile, "log-file", "", "append logs to this file instead of stderr")
	f.StringVar(&a.flags.typeTag, "type-tag", "", "write only records of this type to <name>_<tag>.csv")
	f.BoolVar(&a.flags.abortOnStdinEOF, "abort-on-stdin-eof", false, "cancel the job when stdin is closed")

	root.AddCommand(a.newFormatsCmd())
	return root
}

func (a *app) runParse(cmd *cobra.Command, args []string) error {
	source := args[0]

	enc, err := newStatusEncoder(a.flags.status)
	if err != nil {
		a.exitCode = apperr.ExitInvalid
		return err
	}

	opts, closeLog, err := a.pipelineOptions(cmd)
	defer closeLog()
	if err != nil {
		res := failedResult(source, err)
		a.exitCode = res.ExitCode
		return errors.Join(err, enc(a.stdout, res))
	}

	var statusErr error
	opts.OnTerminal = func(res models.JobResult) {
		a.exitCode = res.ExitCode
		statusErr = enc(a.stdout, res)
	}

	ctrl, err := pipeline.New(opts)
	if err != nil {
		res := failedResult(source, err)
		a.exitCode = res.ExitCode
		return errors.Join(err, enc(a.stdout, res))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	jobCtx, cancelJob := context.WithCancel(gctx)
	defer cancelJob()

	g.Go(func() error {
		defer cancelJob()
		ctrl.Run(jobCtx, source)
		return nil
	})
	if a.flags.abortOnStdinEOF {
		g.Go(func() error {
			watchStdin(jobCtx, a.stdin, cancelJob)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return statusErr
}

// watchStdin cancels the job once stdin reaches EOF. The reading goroutine may
// outlive the job; the process exits right after.
func watchStdin(ctx context.Context, stdin io.Reader, cancel context.CancelFunc) {
	eof := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, stdin)
		close(eof)
	}()

	select {
	case <-eof:
		logging.New("shell").Warn("stdin closed, cancelling job")
		cancel()
	case <-ctx.Done():
	}
}

// pipelineOptions merges the XML config, flags and format tables. The returned
// close func is always non-nil.
func (a *app) pipelineOptions(cmd *cobra.Command) (pipeline.Options, func(), error) {
	noop := func() {}

	cfg, err := a.loadConfig()
	if err != nil {
		return pipeline.Options{}, noop, apperr.NewInvalidError("load config", err)
	}

	flags := cmd.Flags()
	str := func(name, flagVal, cfgVal string) string {
		if flags.Changed(name) {
			return flagVal
		}
		return cfgVal
	}

	closeLog, err := a.initLogging(
		str("log-level", a.flags.logLevel, cfg.Logging.Level),
		str("log-format", a.flags.logFormat, cfg.Logging.Format),
		str("log-file", a.flags.logFile, cfg.Logging.File),
	)
	if err != nil {
		return pipeline.Options{}, noop, err
	}

	reg, name, err := a.loadRegistry(cmd, cfg)
	if err != nil {
		return pipeline.Options{}, closeLog, err
	}
	if flags.Changed("format") {
		name = a.flags.format
	}

	chunk := cfg.ChunkSize()
	if flags.Changed("chunk-size") {
		n, err := humanize.ParseBytes(a.flags.chunkSize)
		if err != nil || n == 0 || n > 1<<30 {
			return pipeline.Options{}, closeLog, apperr.NewInvalidError("chunk size", fmt.Errorf("invalid size %q", a.flags.chunkSize))
		}
		chunk = int(n)
	}

	policy := output.Policy(cfg.Output.Policy)
	if flags.Changed("overwrite") {
		policy = output.PolicyFail
		if a.flags.overwrite {
			policy = output.PolicyOverwrite
		}
	}
	crlf := cfg.Output.LineEnding == "crlf"
	if flags.Changed("crlf") {
		crlf = a.flags.crlf
	}
	keep := cfg.Output.KeepValidPrefix
	if flags.Changed("keep-valid-prefix") {
		keep = a.flags.keepValidPrefix
	}

	return pipeline.Options{
		Registry:        reg,
		Format:          name,
		OutputPolicy:    policy,
		OnInvalid:       pipeline.InvalidPolicy(str("on-invalid", a.flags.onInvalid, cfg.Output.OnInvalid)),
		InvalidMarker:   str("invalid-marker", a.flags.invalidMarker, cfg.Output.InvalidMarker),
		CRLF:            crlf,
		KeepValidPrefix: keep,
		ChunkSize:       chunk,
		MaxWarnings:     cfg.Processing.MaxWarnings,
		Tag:             a.flags.typeTag,
	}, closeLog, nil
}

func (a *app) loadConfig() (*config.AppConfig, error) {
	if err := config.LoadEnvFiles(".env"); err != nil {
		return nil, err
	}
	path := a.flags.config
	if path == "" {
		path = config.DefaultPath()
	}
	return config.LoadConfig(path)
}

func (a *app) initLogging(level, logFormat, file string) (func(), error) {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return func() {}, apperr.NewInvalidError("log level", err)
	}
	if logFormat != "text" && logFormat != "json" {
		return func() {}, apperr.NewInvalidError("log format", fmt.Errorf("unknown log format %q", logFormat))
	}

	if file == "" {
		logging.Init(lvl, logFormat, a.stderr)
		return func() {}, nil
	}
	f, err := logging.OpenFile(file)
	if err != nil {
		return func() {}, apperr.NewIOError("open log file", file, err)
	}
	logging.Init(lvl, logFormat, f)
	return func() { f.Close() }, nil
}

// loadRegistry builds the format registry from the built-ins, the formats
// directory and --format-file. It returns the default format name: the table
// from --format-file if given, else the configured default.
func (a *app) loadRegistry(cmd *cobra.Command, cfg *config.AppConfig) (*format.Registry, string, error) {
	reg, err := format.NewDefaultRegistry()
	if err != nil {
		return nil, "", fmt.Errorf("load built-in formats: %w", err)
	}

	dir := cfg.Formats.Directory
	if cmd.Flags().Changed("formats-dir") {
		dir = a.flags.formatsDir
	}
	if dir != "" {
		specs, err := format.LoadDir(dir)
		if err != nil {
			return nil, "", apperr.NewInvalidError("load formats dir", err)
		}
		for _, s := range specs {
			if err := reg.Register(s); err != nil {
				return nil, "", apperr.NewInvalidError("register format", err)
			}
		}
	}

	name := cfg.Formats.Default
	if a.flags.formatFile != "" {
		spec, err := format.LoadFile(a.flags.formatFile)
		if err != nil {
			return nil, "", apperr.NewInvalidError("load format file", err)
		}
		if err := reg.Register(spec); err != nil {
			return nil, "", apperr.NewInvalidError("register format", err)
		}
		name = spec.Name
	}

	slog.Debug("formats loaded", "count", len(reg.List()), "dir", dir)
	return reg, name, nil
}

func failedResult(source string, err error) models.JobResult {
	return models.JobResult{
		Source:    source,
		State:     models.JobStateFailed,
		Error:     err.Error(),
		ErrorKind: apperr.KindOf(err).String(),
		ExitCode:  apperr.ExitCode(err),
		Err:       err,
	}
}
