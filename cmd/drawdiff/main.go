// Package main provides the drawdiff operator CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	client    *Client
)

var rootCmd = &cobra.Command{
	Use:   "drawdiff",
	Short: "Compare two revisions of a construction drawing set",
	Long: `drawdiff submits drawing-set comparisons to a drawdiffd server and
reports per-page progress and results.

Typical flow:

  drawdiff submit --baseline old.pdf --revised new.pdf
  drawdiff watch <job-id>
  drawdiff results <job-id>`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = NewClient(serverURL)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Upload two PDF revisions and start a comparison job",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseline, _ := cmd.Flags().GetString("baseline")
		revised, _ := cmd.Flags().GetString("revised")
		requestedBy, _ := cmd.Flags().GetString("requested-by")
		if baseline == "" || revised == "" {
			return fmt.Errorf("both --baseline and --revised are required")
		}

		ctx := cmd.Context()

		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		sp.Suffix = " uploading baseline " + baseline
		sp.Start()
		baselineRef, err := client.UploadDocument(ctx, baseline)
		if err != nil {
			sp.Stop()
			return err
		}
		sp.Suffix = " uploading revised " + revised
		revisedRef, err := client.UploadDocument(ctx, revised)
		if err != nil {
			sp.Stop()
			return err
		}
		sp.Suffix = " submitting job"
		jobID, err := client.SubmitJob(ctx, baselineRef, revisedRef, requestedBy)
		sp.Stop()
		if err != nil {
			return err
		}

		color.Green("job submitted: %s", jobID)
		fmt.Printf("watch it with: drawdiff watch %s\n", jobID)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's per-page progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		return watch(cmd.Context(), args[0], interval)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's current progress snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		progress, err := client.GetProgress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus(progress)
		return nil
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "List per-page results available so far",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := client.ListResults(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no results yet")
			return nil
		}
		for _, r := range results {
			name := r.DrawingName
			if name == "" {
				name = fmt.Sprintf("page %d", r.PageNumber)
			}
			if r.ChangesDetected {
				color.Yellow("%-12s %d change(s), alignment %.2f", name, r.ChangeCount, r.AlignmentScore)
			} else {
				color.Green("%-12s unchanged, alignment %.2f", name, r.AlignmentScore)
			}
			if r.Summary != "" {
				fmt.Printf("  %s\n", r.Summary)
			}
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.CancelJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.Yellow("job %s cancelled", args[0])
		return nil
	},
}

func watch(ctx context.Context, jobID string, interval time.Duration) error {
	progress, err := client.GetProgress(ctx, jobID)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(progress.TotalPages,
		progressbar.OptionSetDescription("pages"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)

	for {
		bar.Set(progress.CompletedPages + progress.FailedPages)

		switch progress.Status {
		case "completed":
			bar.Finish()
			fmt.Println()
			if progress.FailedPages > 0 {
				color.Yellow("job completed with %d failed page(s)", progress.FailedPages)
			} else {
				color.Green("job completed")
			}
			return nil
		case "failed":
			fmt.Println()
			color.Red("job failed: %s", progress.Error)
			return fmt.Errorf("job failed")
		case "cancelled":
			fmt.Println()
			color.Yellow("job cancelled")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		progress, err = client.GetProgress(ctx, jobID)
		if err != nil {
			return err
		}
	}
}

func printStatus(p *Progress) {
	fmt.Printf("job:    %s\n", p.JobID)
	fmt.Printf("status: %s\n", p.Status)
	fmt.Printf("pages:  %d done, %d failed, %d total\n", p.CompletedPages, p.FailedPages, p.TotalPages)
	if p.Error != "" {
		color.Red("error:  %s", p.Error)
	}
	for _, page := range p.Pages {
		switch {
		case page.Failed:
			color.Red("  page %d: failed", page.PageNumber)
		case page.Done:
			color.Green("  page %d: done", page.PageNumber)
		default:
			fmt.Printf("  page %d: in progress\n", page.PageNumber)
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "drawdiffd base URL")

	submitCmd.Flags().String("baseline", "", "path to the baseline revision PDF")
	submitCmd.Flags().String("revised", "", "path to the revised revision PDF")
	submitCmd.Flags().String("requested-by", "", "requesting user recorded on the job")
	watchCmd.Flags().Duration("interval", 2*time.Second, "poll interval")

	rootCmd.AddCommand(submitCmd, watchCmd, statusCmd, resultsCmd, cancelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
