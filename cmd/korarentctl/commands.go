package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/mbd888/korarent/internal/config"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/tracker"
)

type cmdEnv struct {
	*cli
	cfg *config.Config
	trk *tracker.Tracker
}

type command func(ctx context.Context, env *cmdEnv, args []string) error

var commands = map[string]command{
	"ingest":   runIngest,
	"refresh":  runRefresh,
	"status":   runStatus,
	"validate": runValidate,
	"reclaim":  runReclaim,
	"report":   runReport,
}

// usageError marks argument mistakes, which exit with status 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func (env *cmdEnv) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

func runIngest(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("ingest")
	limit := fs.Int("limit", env.cfg.IngestTxLimit, "maximum new transactions to scan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return usageError{"-limit must be positive"}
	}

	res, err := env.trk.IngestTransactionHistory(ctx, "", *limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Processed:  %d transactions\n", res.Processed)
	fmt.Fprintf(env.stdout, "New found:  %d accounts\n", res.NewFound)
	fmt.Fprintf(env.stdout, "Errors:     %d\n", res.Errors)
	if res.Watermark != "" {
		fmt.Fprintf(env.stdout, "Watermark:  %s\n", res.Watermark)
	}
	if res.WatermarkMissed {
		fmt.Fprintln(env.stdout, "Warning: previous watermark not found, older history may have been skipped")
	}
	return nil
}

func runRefresh(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("refresh")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sum, err := env.trk.RefreshAccountStatuses(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Active:   %d\n", sum.Active)
	fmt.Fprintf(env.stdout, "Empty:    %d\n", sum.Empty)
	fmt.Fprintf(env.stdout, "Closed:   %d\n", sum.Closed)
	fmt.Fprintf(env.stdout, "Unknown:  %d\n", sum.Unknown)
	fmt.Fprintf(env.stdout, "Changed:  %d\n", sum.Updated)
	fmt.Fprintf(env.stdout, "Errors:   %d\n", sum.Errors)
	return nil
}

func runStatus(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("status")
	statusFlag := fs.String("status", "", "list only accounts in this status")
	kindFlag := fs.String("kind", "", "list only accounts of this kind")
	list := fs.Bool("list", false, "list tracked accounts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var f registry.Filter
	if *statusFlag != "" {
		st, err := registry.ParseStatus(*statusFlag)
		if err != nil {
			return usageError{err.Error()}
		}
		f.Status = &st
		*list = true
	}
	if *kindFlag != "" {
		k, err := registry.ParseKind(*kindFlag)
		if err != nil {
			return usageError{err.Error()}
		}
		f.Kind = &k
		*list = true
	}

	sum, err := env.trk.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Operator:        %s\n", sum.Operator)
	fmt.Fprintf(env.stdout, "Tracked:         %d (active %d, empty %d, closed %d, unknown %d)\n",
		sum.Tracked, sum.Counts.Active, sum.Counts.Empty, sum.Counts.Closed, sum.Counts.Unknown)
	fmt.Fprintf(env.stdout, "Sponsored:       %d accounts, %s SOL rent locked\n",
		sum.Metrics.AccountsSponsored, reports.SOL(sum.Metrics.RentLocked))
	fmt.Fprintf(env.stdout, "Reclaimed:       %s SOL from %d accounts\n",
		reports.SOL(sum.Metrics.RentReclaimed), sum.Metrics.AccountsClosed)
	if sum.LastProcessedSignature != "" {
		fmt.Fprintf(env.stdout, "Watermark:       %s\n", sum.LastProcessedSignature)
	}
	fmt.Fprintf(env.stdout, "Signer loaded:   %t\n", env.trk.CanSign())

	if !*list {
		return nil
	}
	accts, err := env.trk.Accounts(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout)
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tKIND\tSTATUS\tRENT (SOL)\tCREATED\tCONFIDENCE")
	for _, a := range accts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Address, a.Kind, a.Status, reports.SOL(a.RentAmount),
			a.CreatedAt.UTC().Format("2006-01-02"), a.Confidence)
	}
	return tw.Flush()
}

func runValidate(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError{"validate takes exactly one address"}
	}

	res, err := env.trk.ValidateAccount(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if res.CanReclaim {
		fmt.Fprintf(env.stdout, "%s: reclaimable, %s SOL (risk %s)\n", res.Address, reports.SOL(res.Balance), res.RiskLevel)
	} else {
		fmt.Fprintf(env.stdout, "%s: not reclaimable, %s (risk %s)\n", res.Address, res.Reason, res.RiskLevel)
	}
	for _, c := range res.Checks {
		mark := "ok  "
		if !c.Passed {
			mark = "FAIL"
		}
		if c.Detail != "" {
			fmt.Fprintf(env.stdout, "  %s %s: %s\n", mark, c.Name, c.Detail)
		} else {
			fmt.Fprintf(env.stdout, "  %s %s\n", mark, c.Name)
		}
	}
	return nil
}

func runReclaim(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("reclaim")
	live := fs.Bool("live", false, "send transactions instead of a dry run")
	yes := fs.Bool("yes", false, "confirm a live run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *live && !*yes {
		return usageError{"a live reclaim requires -yes"}
	}
	if *live && !env.trk.CanSign() {
		return errors.New("a live reclaim requires SIGNER_KEY or SIGNER_KEY_FILE")
	}

	rep, err := env.trk.ExecuteReclaim(ctx, fs.Args(), !*live)
	if err != nil {
		return err
	}
	fmt.Fprint(env.stdout, reports.Summary(rep))
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d reclaims failed", rep.Failed, rep.Validated)
	}
	return nil
}

func runReport(ctx context.Context, env *cmdEnv, args []string) error {
	fs := env.flags("report")
	limit := fs.Int("limit", 10, "number of recent reports to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch fs.NArg() {
	case 0:
	case 1:
		rep, err := env.trk.Report(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprint(env.stdout, reports.Summary(rep))
		return nil
	default:
		return usageError{"report takes at most one run ID"}
	}

	list, err := env.trk.Reports(ctx, *limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(env.stdout, "No reclaim reports yet.")
		return nil
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tTIME\tMODE\tRECLAIMED\tFAILED\tSOL")
	for _, r := range list {
		mode := "live"
		if r.DryRun {
			mode = "dry-run"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.RunID, r.Timestamp.UTC().Format("2006-01-02 15:04:05"), mode, r.Reclaimed, r.Failed, reports.SOL(r.TotalLamports))
	}
	return tw.Flush()
}
