package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jmerrifield20/axial/internal/api"
	"github.com/jmerrifield20/axial/internal/router"
	"github.com/jmerrifield20/axial/internal/shield"
	"github.com/jmerrifield20/axial/pkg/plan"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ── plan ─────────────────────────────────────────────────────────────────────

var planCmd = &cobra.Command{
	Use:   "plan <goal>",
	Short: "Decompose a goal into a task plan and record it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRouter()
		if err != nil {
			return err
		}
		p := r.Decompose(args[0])

		l, done, err := openLedger(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()
		if _, err := l.Append(cmd.Context(), map[string]any{
			"event":   "plan_created",
			"plan_id": p.ID.String(),
			"title":   p.Title,
			"nodes":   len(p.Graph.Nodes),
		}); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), p)
	},
}

var planCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a plan packet and print its execution order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		p, err := plan.Parse(data)
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		order, err := p.Order()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s)\n", p.Title, p.ID)
		for i, id := range order {
			n, _ := p.Node(id)
			fmt.Fprintf(out, "%2d. %s [%s]\n", i+1, id, n.TaskType)
		}
		return nil
	},
}

func init() {
	planCmd.AddCommand(planCheckCmd)
}

// ── route ────────────────────────────────────────────────────────────────────

var (
	routeStrategy string
	routeExecute  string
)

var routeCmd = &cobra.Command{
	Use:   "route <requirement>...",
	Short: "Pick a provider for the given capability requirements",
	Long: `route scores the configured providers against the requirements and
prints the decision. With --execute, the chosen provider is then asked to
run the given task. Both steps are recorded in the ledger.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeStrategy, "strategy", "", "privacy_first, performance or cost_efficient (default router.default_strategy)")
	routeCmd.Flags().StringVar(&routeExecute, "execute", "", "task to run on the selected provider")
}

func runRoute(cmd *cobra.Command, args []string) error {
	strategy := router.Strategy(routeStrategy)
	if strategy == "" {
		strategy = router.Strategy(cfg.Router.DefaultStrategy)
	}
	switch strategy {
	case router.PrivacyFirst, router.Performance, router.CostEfficient:
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}

	r, err := newRouter()
	if err != nil {
		return err
	}
	l, done, err := openLedger(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer done()

	decision, err := r.Route(args, strategy)
	if err != nil {
		return err
	}
	if _, err := l.Append(cmd.Context(), map[string]any{
		"event":        "route_decision",
		"requirements": args,
		"decision":     decision,
	}); err != nil {
		return err
	}
	if routeExecute == "" {
		return writeJSON(cmd.OutOrStdout(), decision)
	}

	result, execErr := r.Execute(cmd.Context(), decision.ProviderID, routeExecute, nil)
	event := map[string]any{
		"event":       "task_executed",
		"provider_id": decision.ProviderID,
		"task":        routeExecute,
	}
	if execErr != nil {
		event["event"] = "task_failed"
		event["error"] = execErr.Error()
	}
	if _, err := l.Append(cmd.Context(), event); err != nil {
		return errors.Join(execErr, err)
	}
	if execErr != nil {
		return execErr
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"decision": decision, "result": result})
}

// ── redact ───────────────────────────────────────────────────────────────────

var redactCmd = &cobra.Command{
	Use:   "redact [text]",
	Short: "Redact PII from text, or from stdin when no text is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newShield()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			fmt.Fprintln(cmd.OutOrStdout(), s.Redact(args[0]))
			return nil
		}
		return redactLines(cmd.InOrStdin(), cmd.OutOrStdout(), s)
	},
}

func redactLines(in io.Reader, out io.Writer, s *shield.Shield) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 10<<20)
	w := bufio.NewWriter(out)
	for sc.Scan() {
		fmt.Fprintln(w, s.Redact(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return w.Flush()
}

// ── scan ─────────────────────────────────────────────────────────────────────

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Run semgrep and gitleaks over path and record the findings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}

		sc := shield.NewScanner(nil, logger)
		violations, scanErr := sc.Scan(cmd.Context(), path)
		if scanErr != nil {
			logger.Warn("scanner failed", zap.Error(scanErr))
		}

		l, done, err := openLedger(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()
		if _, err := l.Append(cmd.Context(), map[string]any{
			"event":      "security_scan",
			"path":       path,
			"violations": len(violations),
		}); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(violations) == 0 {
			fmt.Fprintln(out, "no violations")
		} else {
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ENGINE\tSEVERITY\tRULE\tLOCATION\tMESSAGE")
			for _, v := range violations {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s:%d\t%s\n",
					v.Engine, strings.ToUpper(v.Severity), v.RuleID, v.File, v.Line, v.Message)
			}
			tw.Flush()
		}
		if scanErr != nil {
			return scanErr
		}
		if len(violations) > 0 {
			return errCheckFailed
		}
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token signed with api.admin_secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.API.AdminSecret == "" {
			return errors.New("api.admin_secret is not set")
		}
		issuer, err := api.NewTokenIssuer(cfg.API.AdminSecret, "axial", cfg.API.TokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.IssueAdminToken()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
