package models

import "time"

// JobState represents a state of the pipeline controller.
type JobState string

const (
	JobStateIdle       JobState = "idle"
	JobStateReading    JobState = "reading"
	JobStateDecoding   JobState = "decoding"
	JobStateFinalizing JobState = "finalizing"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether s is Succeeded or Failed.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// OutputFile describes the CSV being produced.
type OutputFile struct {
	Path         string `json:"path"`
	TempPath     string `json:"tempPath"`
	BytesWritten int64  `json:"bytesWritten"`
	Lines        int64  `json:"lines"`
}

// ParseWarning is a non-fatal problem found while decoding.
type ParseWarning struct {
	Frame  int64    `json:"frame" msgpack:"frame"`
	Offset int64    `json:"offset" msgpack:"offset"`
	Line   int      `json:"line,omitempty" msgpack:"line,omitempty"`
	Fields []string `json:"fields,omitempty" msgpack:"fields,omitempty"`
	Reason string   `json:"reason" msgpack:"reason"`
}

// JobResult is the terminal value reported to the invoking shell.
type JobResult struct {
	JobID               string         `json:"jobId" msgpack:"job_id"`
	Source              string         `json:"source" msgpack:"source"`
	Format              string         `json:"format,omitempty" msgpack:"format,omitempty"`
	OutputPath          string         `json:"outputPath,omitempty" msgpack:"output_path,omitempty"`
	State               JobState       `json:"state" msgpack:"state"`
	RecordsProcessed    int64          `json:"recordsProcessed" msgpack:"records_processed"`
	RecordsSkipped      int64          `json:"recordsSkipped" msgpack:"records_skipped"`
	RecordsWithWarnings int64          `json:"recordsWithWarnings" msgpack:"records_with_warnings"`
	RecordsFiltered     int64          `json:"recordsFiltered,omitempty" msgpack:"records_filtered,omitempty"`
	BytesRead           int64          `json:"bytesRead" msgpack:"bytes_read"`
	BytesWritten        int64          `json:"bytesWritten" msgpack:"bytes_written"`
	Duration            time.Duration  `json:"durationNs" msgpack:"duration_ns"`
	Error               string         `json:"error,omitempty" msgpack:"error,omitempty"`
	ErrorKind           string         `json:"errorKind,omitempty" msgpack:"error_kind,omitempty"`
	ExitCode            int            `json:"exitCode" msgpack:"exit_code"`
	Warnings            []ParseWarning `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
	WarningsDropped     int64          `json:"warningsDropped,omitempty" msgpack:"warnings_dropped,omitempty"`

	// Err is the fatal error, if any. Not serialized.
	Err error `json:"-" msgpack:"-"`
}

// Succeeded reports whether the job finished without a fatal error.
func (r *JobResult) Succeeded() bool {
	return r.State == JobStateSucceeded
}
