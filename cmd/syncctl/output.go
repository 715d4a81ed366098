package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// OutputFormatter writes command results as text tables or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// JSON reports whether output should be JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// WriteJSON writes v as indented JSON.
func (f *OutputFormatter) WriteJSON(v interface{}) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteTable writes aligned columns. An empty table prints "(none)".
func (f *OutputFormatter) WriteTable(header []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(f.Writer, "(none)")
		return err
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// Printf writes a plain text line.
func (f *OutputFormatter) Printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(f.Writer, format, args...)
	return err
}
