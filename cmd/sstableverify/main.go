// Command sstableverify is the Verifier CLI (spec.md §6): a one-shot
// tool that re-reads every live sstable of a keyspace.table and reports
// which ones pass their checksum. Grounded stylistically on the
// teacher's cmd/cli flag usage, with styled tabular output via
// charmbracelet/lipgloss and charmbracelet/bubbles/table rather than an
// interactive bubbletea.Program — this tool runs once and exits.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/tracktable/pkg/sstable"
)

const currentFormat = "big"

type tokenRangeFlag struct {
	ranges [][2]uint64
}

func (f *tokenRangeFlag) String() string {
	var parts []string
	for _, r := range f.ranges {
		parts = append(parts, fmt.Sprintf("%d,%d", r[0], r[1]))
	}
	return strings.Join(parts, " ")
}

func (f *tokenRangeFlag) Set(v string) error {
	parts := strings.SplitN(v, ",", 2)
	if len(parts) != 2 {
		return fmt.Errorf("--token_range wants left,right, got %q", v)
	}
	left, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return fmt.Errorf("--token_range left: %w", err)
	}
	right, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return fmt.Errorf("--token_range right: %w", err)
	}
	f.ranges = append(f.ranges, [2]uint64{left, right})
	return nil
}

type options struct {
	dataDir            string
	verbose            bool
	extended           bool
	debug              bool
	checkVersion       bool
	mutateRepairStatus bool
	quick              bool
	tokenRanges        tokenRangeFlag
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("sstableverify", flag.ContinueOnError)
	opts := &options{}

	fs.StringVar(&opts.dataDir, "data", "./data", "data directory containing <ks>/<cf>-<id>/ table directories")
	fs.BoolVar(&opts.verbose, "verbose", false, "verbose progress")
	fs.BoolVar(&opts.verbose, "v", false, "verbose progress (shorthand)")
	fs.BoolVar(&opts.extended, "extended", false, "deep scan: re-read every sstable")
	fs.BoolVar(&opts.extended, "e", false, "deep scan (shorthand)")
	fs.BoolVar(&opts.debug, "debug", false, "include stack traces in failures")
	fs.BoolVar(&opts.checkVersion, "check_version", false, "require latest on-disk format")
	fs.BoolVar(&opts.checkVersion, "c", false, "require latest on-disk format (shorthand)")
	fs.BoolVar(&opts.mutateRepairStatus, "mutate_repair_status", false, "permit writing new repair status")
	fs.BoolVar(&opts.mutateRepairStatus, "r", false, "permit writing new repair status (shorthand)")
	fs.BoolVar(&opts.quick, "quick", false, "skip data read")
	fs.BoolVar(&opts.quick, "q", false, "skip data read (shorthand)")
	fs.Var(&opts.tokenRanges, "token_range", "restrict ownership check to left,right (repeatable)")
	fs.Var(&opts.tokenRanges, "t", "restrict ownership check to left,right (repeatable, shorthand)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: sstableverify [flags] <keyspace> <table>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	positional := fs.Args()
	if len(positional) != 2 {
		fs.Usage()
		return 1
	}
	keyspace, tableName := positional[0], positional[1]

	descriptors, err := discover(opts.dataDir, keyspace, tableName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sstableverify: %v\n", err)
		return 1
	}

	if len(opts.tokenRanges.ranges) > 0 && opts.verbose {
		// Descriptor carries no partitioner-mapped token; restricting to
		// --token_range requires the partitioner binding chosen at cluster
		// startup (spec.md §6), which this standalone tool does not have.
		// The flag is accepted and parsed but does not yet narrow the scan.
		fmt.Fprintln(os.Stderr, "sstableverify: --token_range given but no partitioner is bound; scanning all sstables")
	}

	rows := make([]table.Row, 0, len(descriptors))
	allOK := true

	for _, d := range descriptors {
		status, detail := verifyOne(d, opts)
		if status != "OK" {
			allOK = false
		}
		if opts.verbose {
			fmt.Fprintf(os.Stderr, "checked %s: %s\n", d.Filename(), status)
		}
		rows = append(rows, table.Row{d.Filename(), fmt.Sprintf("%d", d.Generation), status, detail})
	}

	printReport(rows)

	if !allOK {
		return 1
	}
	return 0
}

func discover(dataDir, keyspace, tableName string) ([]sstable.Descriptor, error) {
	var out []sstable.Descriptor
	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".db") {
			return nil
		}
		d, perr := sstable.ParseDescriptor(path)
		if perr != nil {
			return nil
		}
		if d.Keyspace == keyspace && d.Table == tableName {
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dataDir, err)
	}
	return out, nil
}

func verifyOne(d sstable.Descriptor, opts *options) (status, detail string) {
	if opts.checkVersion && d.Format != currentFormat {
		return "FAIL", fmt.Sprintf("format %q is not current (%q)", d.Format, currentFormat)
	}
	if opts.quick {
		if _, err := os.Stat(d.Path()); err != nil {
			return "FAIL", err.Error()
		}
		return "SKIPPED", "quick mode: data not read"
	}

	info, err := os.Stat(d.Path())
	if err != nil {
		return "FAIL", err.Error()
	}

	h, err := sstable.Open(d, info.Size(), sstable.KeyInterval{}, false)
	if err != nil {
		return "FAIL", err.Error()
	}
	defer h.Close()

	if err := sstable.Verify(h); err != nil {
		detail := err.Error()
		if opts.debug {
			detail = fmt.Sprintf("%+v", err)
		}
		return "FAIL", detail
	}

	if opts.mutateRepairStatus {
		h.SetRepaired(true)
	}

	if opts.extended {
		if err := sstable.Verify(h); err != nil {
			return "FAIL", err.Error()
		}
	}

	return "OK", ""
}

func printReport(rows []table.Row) {
	columns := []table.Column{
		{Title: "SSTable", Width: 36},
		{Title: "Generation", Width: 10},
		{Title: "Status", Width: 8},
		{Title: "Detail", Width: 40},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(false),
		table.WithHeight(len(rows)+1),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	fmt.Println(t.View())
}
