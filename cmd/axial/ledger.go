package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/jmerrifield20/axial/internal/ledger"
	"github.com/spf13/cobra"
)

// errCheckFailed makes the process exit non-zero after a failed check has
// already been reported.
var errCheckFailed = errors.New("check failed")

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the evidence ledger",
}

func init() {
	ledgerCmd.AddCommand(ledgerAppendCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerGetCmd)
	ledgerCmd.AddCommand(ledgerQueryCmd)
	ledgerCmd.AddCommand(ledgerSnapshotCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerCmd.AddCommand(ledgerRebuildCmd)
	ledgerCmd.AddCommand(ledgerIndexTextCmd)
	ledgerCmd.AddCommand(ledgerEmbeddedCmd)
}

var ledgerAppendCmd = &cobra.Command{
	Use:   "append <json>",
	Short: "Append a JSON payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
			return fmt.Errorf("payload must be JSON: %w", err)
		}
		l, done, err := openLedger(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()

		e, err := l.Append(cmd.Context(), payload)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), e)
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the hash chain in the index and in the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, done, err := openLedger(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer done()

		indexOK, err := l.Verify(cmd.Context())
		if err != nil {
			return err
		}
		journalOK, err := l.VerifyJournal(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "entries:  %d\n", l.Len())
		fmt.Fprintf(out, "root:     %s\n", l.Root())
		fmt.Fprintf(out, "index:    %s\n", verdict(indexOK))
		fmt.Fprintf(out, "journal:  %s\n", verdict(journalOK))
		if !indexOK || !journalOK {
			return errCheckFailed
		}
		return nil
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the chain length and root hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, done, err := openLedger(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer done()
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"entries": l.Len(),
			"root":    l.Root(),
		})
	},
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get <index>",
	Short: "Print one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("index must be a non-negative integer: %w", err)
		}
		l, done, err := openLedger(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer done()

		e, err := l.Get(cmd.Context(), idx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), e)
	},
}

var ledgerQueryCmd = &cobra.Command{
	Use:   "query <substring>",
	Short: "List entries whose payload contains substring, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, done, err := openLedger(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer done()

		entries, err := l.Query(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

var ledgerSnapshotCmd = &cobra.Command{
	Use:   "snapshot <tag>",
	Short: "Record a forensic snapshot marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, done, err := openLedger(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()

		e, err := l.Snapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), e)
	},
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Write a runpack evidence bundle into dir",
	Long: `export copies the journal and index into dir and writes a manifest
naming the root hash. dir must lie inside the working directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newShield()
		if err != nil {
			return err
		}
		if err := s.ValidateFileExport(args[0]); err != nil {
			return err
		}

		l, done, err := openLedger(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()

		m, err := l.ExportRunpack(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), m)
	},
}

var ledgerRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index from the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, done, err := openLedger(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()

		if err := l.Rebuild(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d entries\n", l.Len())
		return nil
	},
}

var ledgerIndexTextCmd = &cobra.Command{
	Use:   "index-text <index> <text>",
	Short: "Attach a text embedding to an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("index must be a non-negative integer: %w", err)
		}
		l, done, err := openLedger(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()
		return l.IndexSemantic(cmd.Context(), idx, args[1])
	},
}

var embeddedLimit int

var ledgerEmbeddedCmd = &cobra.Command{
	Use:   "embedded",
	Short: "List entries that carry a text embedding, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, done, err := openLedger(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer done()

		entries, err := l.SearchSemantic(cmd.Context(), embeddedLimit)
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	ledgerEmbeddedCmd.Flags().IntVar(&embeddedLimit, "limit", 10, "maximum entries to list")
}

var runpackCmd = &cobra.Command{
	Use:   "runpack",
	Short: "Work with exported evidence bundles",
}

var runpackVerifyCmd = &cobra.Command{
	Use:   "verify <dir>",
	Short: "Check a runpack offline against its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := ledger.VerifyRunpack(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "provenance:  %s\n", report.Manifest.Provenance)
		fmt.Fprintf(out, "exported:    %s\n", report.Manifest.ExportTime.Format("2006-01-02T15:04:05Z07:00"))
		fmt.Fprintf(out, "entries:     %d (manifest %d)\n", report.Entries, report.Manifest.TotalEntries)
		fmt.Fprintf(out, "root:        %s\n", report.RootHash)
		fmt.Fprintf(out, "chain:       %s\n", verdict(report.ChainValid))
		fmt.Fprintf(out, "journal:     %s\n", verdict(report.JournalValid))
		fmt.Fprintf(out, "root match:  %s\n", verdict(report.RootMatches))
		fmt.Fprintf(out, "count match: %s\n", verdict(report.CountMatches))
		if !report.OK() {
			return errCheckFailed
		}
		return nil
	},
}

func init() {
	runpackCmd.AddCommand(runpackVerifyCmd)
}

func verdict(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}

func printEntries(w io.Writer, entries []*ledger.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no entries")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTIMESTAMP\tHASH\tPAYLOAD")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Index, e.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"), e.Hash[:12], e.Payload)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
