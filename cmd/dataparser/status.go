package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dataparser/dataparser/internal/models"
)

// statusEncoder writes the terminal JobResult for the invoking host.
type statusEncoder func(w io.Writer, res models.JobResult) error

func newStatusEncoder(kind string) (statusEncoder, error) {
	switch kind {
	case "text", "":
		return writeTextStatus, nil
	case "json":
		return func(w io.Writer, res models.JobResult) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}, nil
	case "msgpack":
		return func(w io.Writer, res models.JobResult) error {
			return msgpack.NewEncoder(w).Encode(&res)
		}, nil
	case "none":
		return func(io.Writer, models.JobResult) error { return nil }, nil
	}
	return nil, fmt.Errorf("unknown status format %q (want text, json, msgpack or none)", kind)
}

func writeTextStatus(w io.Writer, res models.JobResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "State:\t%s\n", res.State)
	fmt.Fprintf(tw, "Source:\t%s\n", res.Source)
	if res.Format != "" {
		fmt.Fprintf(tw, "Format:\t%s\n", res.Format)
	}
	if res.OutputPath != "" {
		fmt.Fprintf(tw, "Output:\t%s\n", res.OutputPath)
	}
	fmt.Fprintf(tw, "Records:\t%s written, %d skipped, %d with warnings\n",
		humanize.Comma(res.RecordsProcessed), res.RecordsSkipped, res.RecordsWithWarnings)
	if res.RecordsFiltered > 0 {
		fmt.Fprintf(tw, "Filtered:\t%s\n", humanize.Comma(res.RecordsFiltered))
	}
	fmt.Fprintf(tw, "Bytes:\t%s read, %s written\n",
		humanize.Bytes(uint64(res.BytesRead)), humanize.Bytes(uint64(res.BytesWritten)))
	fmt.Fprintf(tw, "Duration:\t%s\n", res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(tw, "Error:\t[%s] %s\n", res.ErrorKind, res.Error)
	}
	for _, wn := range res.Warnings {
		fmt.Fprintf(tw, "Warning:\tframe %d at offset %d: %s\n", wn.Frame, wn.Offset, wn.Reason)
	}
	if res.WarningsDropped > 0 {
		fmt.Fprintf(tw, "Warning:\t%d more not shown\n", res.WarningsDropped)
	}
	fmt.Fprintf(tw, "Exit:\t%d\n", res.ExitCode)
	return tw.Flush()
}
