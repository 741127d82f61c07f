// Package pipeline runs one raw file through read, decode, encode and write, and
// reports the outcome through an explicit terminal callback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/dataparser/dataparser/internal/apperr"
	"github.com/dataparser/dataparser/internal/csvenc"
	"github.com/dataparser/dataparser/internal/decoder"
	"github.com/dataparser/dataparser/internal/format"
	"github.com/dataparser/dataparser/internal/logging"
	"github.com/dataparser/dataparser/internal/models"
	"github.com/dataparser/dataparser/internal/output"
	"github.com/dataparser/dataparser/internal/rawio"
)

// InvalidPolicy decides what happens to records with fields that failed to decode.
type InvalidPolicy string

const (
	InvalidMark InvalidPolicy = "mark" // emit the row with the invalid marker in bad cells
	InvalidSkip InvalidPolicy = "skip" // drop the row
)

const (
	// DefaultMaxWarnings caps the warnings kept in a JobResult.
	DefaultMaxWarnings = 100

	progressEveryRecords = 10000
)

// StateFunc observes state transitions.
type StateFunc func(from, to models.JobState)

// ProgressFunc receives throttled progress: records emitted, source bytes
// consumed and the source size.
type ProgressFunc func(records, bytesRead, totalBytes int64)

// TerminalFunc receives the final result exactly once per job.
type TerminalFunc func(models.JobResult)

// Options configures a Controller.
type Options struct {
	Registry *format.Registry
	Format   string // table name; empty means detect from the file

	OutputPath      string // defaults to output.SiblingPath(source)
	OutputPolicy    output.Policy
	OnInvalid       InvalidPolicy
	InvalidMarker   string
	CRLF            bool
	KeepValidPrefix bool
	ChunkSize       int

	// Tag selects records whose partition field equals it. The output defaults to
	// output.TaggedPath and the partition column is headed by the tag.
	Tag string

	MaxWarnings     int

	Logger        *slog.Logger
	OnStateChange StateFunc
	OnProgress    ProgressFunc
	OnTerminal    TerminalFunc
}

// Controller drives a single job. It is single-shot: Run may be called once.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	state models.JobState
	ran   bool
}

// New validates opts and returns an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.Registry == nil {
		return nil, apperr.NewInvalidError("pipeline options", errors.New("format registry is required"))
	}
	switch opts.OnInvalid {
	case "":
		opts.OnInvalid = InvalidMark
	case InvalidMark, InvalidSkip:
	default:
		return nil, apperr.NewInvalidError("pipeline options", fmt.Errorf("unknown invalid-field policy %q", opts.OnInvalid))
	}
	if opts.Tag != "" && !output.ValidTag(opts.Tag) {
		return nil, apperr.NewInvalidError("pipeline options", fmt.Errorf("tag %q cannot be used in a file name", opts.Tag))
	}
	if opts.OutputPolicy == "" {
		opts.OutputPolicy = output.PolicyFail
	}
	if opts.MaxWarnings <= 0 {
		opts.MaxWarnings = DefaultMaxWarnings
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = rawio.DefaultChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = logging.New("pipeline")
	}
	return &Controller{
		opts:  opts,
		log:   log,
		state: models.JobStateIdle,
	}, nil
}

// State returns the current state.
func (c *Controller) State() models.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(job *job, to models.JobState) {
	c.mu.Lock()
	from := c.state
	if from.Terminal() {
		c.mu.Unlock()
		c.log.Warn("ignoring state change after terminal state", "job", job.short(), "state", from, "to", to)
		return
	}
	c.state = to
	c.mu.Unlock()

	job.res.State = to
	c.log.Debug("state change", "job", job.short(), "from", from, "to", to)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

// job carries the per-run working set.
type job struct {
	res      models.JobResult
	start    time.Time
	reader   *rawio.Reader
	dec      *decoder.Decoder
	writer   *output.Writer
	maxWarn  int
	lastProg int64
}

func (j *job) short() string {
	return j.res.JobID[:8]
}

func (j *job) warn(w models.ParseWarning) {
	if len(j.res.Warnings) >= j.maxWarn {
		j.res.WarningsDropped++
		return
	}
	j.res.Warnings = append(j.res.Warnings, w)
}

// Run converts the raw file at path into its sibling CSV. It never panics on bad
// input and never exits the process; the outcome is the returned JobResult, which
// is also handed to OnTerminal.
func (c *Controller) Run(ctx context.Context, path string) models.JobResult {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		err := apperr.NewInvalidError("run", errors.New("controller already used"))
		return models.JobResult{
			Source:    path,
			State:     models.JobStateFailed,
			Error:     err.Error(),
			ErrorKind: err.Kind.String(),
			ExitCode:  apperr.ExitCode(err),
			Err:       err,
		}
	}
	c.ran = true
	c.mu.Unlock()

	j := &job{
		res: models.JobResult{
			JobID:  uuid.New().String(),
			Source: path,
			State:  models.JobStateIdle,
		},
		start:   time.Now(),
		maxWarn: c.opts.MaxWarnings,
	}

	err := c.execute(ctx, j, path)
	c.finish(j, err)

	if c.opts.OnTerminal != nil {
		c.opts.OnTerminal(j.res)
	}
	return j.res
}

func (c *Controller) execute(ctx context.Context, j *job, path string) error {
	c.setState(j, models.JobStateReading)

	if err := ctx.Err(); err != nil {
		return apperr.NewCancelledError(err)
	}

	spec, err := c.open(j, path)
	if err != nil {
		return err
	}
	defer j.reader.Close()

	columns := spec.Columns()
	if c.opts.Tag != "" {
		if spec.PartitionField() < 0 {
			return apperr.NewInvalidError("select tag", fmt.Errorf("format %q has no partition field", spec.Name))
		}
		columns = spec.PartitionColumns(c.opts.Tag)
	}

	outPath := c.opts.OutputPath
	switch {
	case outPath != "":
	case c.opts.Tag != "":
		outPath = output.TaggedPath(path, c.opts.Tag)
	default:
		outPath = output.SiblingPath(path)
	}
	if samePath(outPath, path) {
		return apperr.NewInvalidError("output path", fmt.Errorf("%s would replace its own source", outPath))
	}

	j.writer, err = output.Create(outPath, output.Options{Policy: c.opts.OutputPolicy})
	if err != nil {
		return err
	}
	published := false
	defer func() {
		if !published {
			if abortErr := j.writer.Abort(); abortErr != nil {
				c.log.Warn("removing partial output", "job", j.short(), "error", abortErr)
			}
		}
	}()

	j.dec, err = decoder.New(j.reader, spec, decoder.Options{
		OnMalformed: func(w models.ParseWarning) {
			c.log.Debug("malformed frame skipped", "job", j.short(), "frame", w.Frame, "offset", w.Offset, "reason", w.Reason)
			j.warn(w)
		},
	})
	if err != nil {
		return err
	}

	enc := csvenc.New(j.writer, csvenc.Options{CRLF: c.opts.CRLF, InvalidMarker: c.opts.InvalidMarker})
	if spec.EmitHeader() {
		if err := enc.WriteHeader(columns); err != nil {
			return err
		}
	} else {
		enc.SetColumns(len(spec.Fields))
	}

	c.setState(j, models.JobStateDecoding)
	decodeErr := c.decodeLoop(ctx, j, enc, spec.PartitionField())

	if decodeErr != nil && !(c.opts.KeepValidPrefix && errors.Is(decodeErr, apperr.ErrFrameCorrupted)) {
		return decodeErr
	}

	c.setState(j, models.JobStateFinalizing)
	if err := j.writer.Finalize(); err != nil {
		return err
	}
	published = true
	j.res.OutputPath = j.writer.Path()

	if decodeErr != nil {
		c.log.Warn("published rows before corrupt frame", "job", j.short(), "rows", enc.Rows(), "output", j.res.OutputPath)
	}
	return decodeErr
}

// open opens the source and resolves its format table.
func (c *Controller) open(j *job, path string) (*format.Spec, error) {
	var detect rawio.DetectFunc
	if c.opts.Format == "" {
		detect = func(name string, head []byte) (string, error) {
			spec, err := c.opts.Registry.Detect(name, head)
			if err != nil {
				return "", err
			}
			return spec.Name, nil
		}
	}

	r, err := rawio.Open(path, rawio.Options{ChunkSize: c.opts.ChunkSize, Detect: detect})
	if err != nil {
		return nil, err
	}

	name := c.opts.Format
	if name == "" {
		name = r.Info().Format
	}
	spec, err := c.opts.Registry.Get(name)
	if err != nil {
		r.Close()
		return nil, apperr.NewInvalidError("resolve format", err)
	}

	j.reader = r
	j.res.Format = spec.Name
	c.log.Info("job started",
		"job", j.short(),
		"source", path,
		"format", spec.Name,
		"size", humanize.Bytes(uint64(r.Info().Size)),
	)
	return spec, nil
}

// decodeLoop streams records into enc. partField is the index of the partition
// field when a tag is selected.
func (c *Controller) decodeLoop(ctx context.Context, j *job, enc *csvenc.Encoder, partField int) error {
	total := j.reader.Info().Size
	for {
		rec, err := j.dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.progress(j, total, true)
			return nil
		}
		if apperr.IsFatal(err) {
			return err
		}

		if c.opts.Tag != "" && rec.Fields[partField].Raw != c.opts.Tag {
			j.res.RecordsFiltered++
			continue
		}

		if errors.Is(err, apperr.ErrFieldDecode) {
			names := rec.InvalidFields()
			c.log.Debug("field decode failed",
				"job", j.short(), "frame", rec.Index, "offset", rec.Offset, "fields", names)
			j.warn(models.ParseWarning{
				Frame:  rec.Index,
				Offset: rec.Offset,
				Line:   j.dec.Cursor().Line,
				Fields: names,
				Reason: fieldReason(err),
			})
			if c.opts.OnInvalid == InvalidSkip {
				j.res.RecordsSkipped++
				continue
			}
			j.res.RecordsWithWarnings++
		}

		if err := enc.WriteRecord(rec); err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				return fmt.Errorf("encode record %d: %w", rec.Index, err)
			}
			return err
		}
		j.res.RecordsProcessed++
		c.progress(j, total, false)
	}
}

// progress reports at most every progressEveryRecords records or 1% of the source.
func (c *Controller) progress(j *job, total int64, final bool) {
	read := j.reader.Offset()
	n := j.res.RecordsProcessed
	step := total / 100
	due := final || (n > 0 && n%progressEveryRecords == 0) || (step > 0 && read-j.lastProg >= step)
	if !due {
		return
	}
	j.lastProg = read
	if !final {
		c.log.Debug("progress",
			"job", j.short(),
			"records", humanize.Comma(n),
			"read", humanize.Bytes(uint64(read)),
			"total", humanize.Bytes(uint64(total)),
		)
	}
	if c.opts.OnProgress != nil {
		c.opts.OnProgress(n, read, total)
	}
}

func (c *Controller) finish(j *job, err error) {
	if j.reader != nil {
		j.res.BytesRead = j.reader.Offset()
	}
	if j.dec != nil {
		j.res.RecordsSkipped += j.dec.Skipped()
	}
	if j.writer != nil {
		j.res.BytesWritten = j.writer.Output().BytesWritten
	}
	j.res.Duration = time.Since(j.start)
	j.res.ExitCode = apperr.ExitCode(err)

	if err == nil {
		c.setState(j, models.JobStateSucceeded)
		c.log.Info("job finished",
			"job", j.short(),
			"output", j.res.OutputPath,
			"records", humanize.Comma(j.res.RecordsProcessed),
			"skipped", j.res.RecordsSkipped,
			"warnings", j.res.RecordsWithWarnings,
			"written", humanize.Bytes(uint64(j.res.BytesWritten)),
			"duration", j.res.Duration.Round(time.Millisecond),
		)
		return
	}

	j.res.Err = err
	j.res.Error = err.Error()
	j.res.ErrorKind = apperr.KindOf(err).String()
	c.setState(j, models.JobStateFailed)

	attrs := []any{"job", j.short(), "kind", j.res.ErrorKind, "error", err}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Frame >= 0 {
		attrs = append(attrs, "frame", ae.Frame, "offset", ae.Offset)
	}
	c.log.Error("job failed", attrs...)
}

func fieldReason(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Err != nil {
		return fmt.Sprintf("field %s: %s", ae.Field, ae.Err)
	}
	return err.Error()
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}
