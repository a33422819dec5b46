package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagerisk/internal/analyzer"
	"github.com/JakeFAU/pagerisk/internal/app"
	"github.com/JakeFAU/pagerisk/internal/scan"
)

var (
	colorSafe       = color.New(color.FgGreen, color.Bold)
	colorSuspicious = color.New(color.FgYellow, color.Bold)
	colorMalicious  = color.New(color.FgRed, color.Bold)
	colorFailed     = color.New(color.FgMagenta)
)

// scanOutput is one line of the scan command's JSON output.
type scanOutput struct {
	URL    string       `json:"url"`
	Report *scan.Report `json:"report,omitempty"`
	Error  string       `json:"error,omitempty"`
}

func newScanCmd() *cobra.Command {
	var (
		parallel   int
		noRender   bool
		blockLocal bool
	)
	cmd := &cobra.Command{
		Use:   "scan URL...",
		Short: "Scan one or more URLs and print JSON reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			if noRender {
				rt.cfg.Headless.Enabled = false
			}
			if blockLocal {
				rt.cfg.Scanner.BlockPrivateTargets = true
			}
			pipeline, err := app.NewPipeline(rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build scan pipeline: %w", err)
			}
			defer pipeline.Close()

			results := make([]scanOutput, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(parallel, 1))
			for i, u := range args {
				g.Go(func() error {
					results[i].URL = u
					report, err := pipeline.Scanner.Scan(ctx, u)
					if err != nil {
						// A failed URL must not cancel its siblings.
						results[i].Error = err.Error()
						return nil
					}
					results[i].Report = &report
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			return writeScanResults(cmd.OutOrStdout(), cmd.ErrOrStderr(), results)
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "maximum concurrent scans")
	cmd.Flags().BoolVar(&noRender, "no-render", false, "skip the headless browser and use plain HTTP only")
	cmd.Flags().BoolVar(&blockLocal, "block-private", false, "refuse loopback, private, link-local and multicast targets")
	return cmd
}

func writeScanResults(stdout, stderr io.Writer, results []scanOutput) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	failed := 0
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if r.Report == nil {
			failed++
			colorFailed.Fprintf(stderr, "%-10s %s: %s\n", "FAILED", r.URL, r.Error)
			continue
		}
		verdictColor(r.Report.Analysis.Verdict).Fprintf(stderr, "%-10s %3d  %s\n",
			r.Report.Analysis.Verdict, r.Report.Analysis.Score, r.Report.FinalURL)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(results))
	}
	return nil
}

func verdictColor(v scan.Verdict) *color.Color {
	switch v {
	case scan.VerdictMalicious:
		return colorMalicious
	case scan.VerdictSuspicious:
		return colorSuspicious
	default:
		return colorSafe
	}
}

func newAnalyzeCmd() *cobra.Command {
	var finalURL string
	cmd := &cobra.Command{
		Use:   "analyze [FILE]",
		Short: "Score saved HTML without fetching it (reads stdin when FILE is omitted or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			if finalURL == "" {
				return errors.New("--url is required")
			}
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			html, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read html: %w", err)
			}
			result := analyzer.New(rt.cfg.Analysis).Analyze(string(html), finalURL)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			verdictColor(result.Verdict).Fprintf(cmd.ErrOrStderr(), "%-10s %3d  %s\n", result.Verdict, result.Score, finalURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&finalURL, "url", "", "URL the markup was served from")
	return cmd
}
