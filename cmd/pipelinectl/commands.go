package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/report"
)

type documentLister interface {
	List(ctx context.Context, limit int) ([]*domain.Document, error)
}

type backend struct {
	ops   ports.PipelineOperations
	docs  documentLister
	close func()
}

type backendFactory func(ctx context.Context) (*backend, error)

func newRootCmd(open backendFactory) *cobra.Command {
	root := &cobra.Command{
		Use:          "pipelinectl",
		Short:        "Operate the archive document pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(
		newProcessUnprocessedCmd(open),
		newResetStuckCmd(open),
		newRestartIncompleteCmd(open),
		newReportCmd(open),
	)
	return root
}

// withBackend opens the backend for one command run and always releases it.
func withBackend(cmd *cobra.Command, open backendFactory, fn func(context.Context, *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	if b.close != nil {
		defer b.close()
	}
	return fn(ctx, b)
}

func newProcessUnprocessedCmd(open backendFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process-unprocessed",
		Short: "Start the pipeline for documents that were never processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				queued, err := b.ops.QueueUnprocessed(ctx, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d document(s)\n", queued)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of documents to queue")
	return cmd
}

func newResetStuckCmd(open backendFactory) *cobra.Command {
	var (
		olderThan time.Duration
		resume    bool
	)
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Reset steps that have been processing for too long",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				reset, err := b.ops.ResetStuck(ctx, olderThan, resume)
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d document(s)\n", reset)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "minimum time a step must have been processing")
	cmd.Flags().BoolVar(&resume, "resume", true, "dispatch the reset step again right away")
	return cmd
}

func newRestartIncompleteCmd(open backendFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "restart-incomplete",
		Short: "Run the full pipeline again for documents that are not complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				restarted, err := b.ops.RestartIncomplete(ctx, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "restarted %d document(s)\n", restarted)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of documents to restart")
	return cmd
}

func newReportCmd(open backendFactory) *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export pipeline status of recent documents to XLSX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				docs, err := b.docs.List(ctx, limit)
				if err != nil {
					return fmt.Errorf("list documents: %w", err)
				}
				file, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				if err := report.WriteDocuments(file, docs); err != nil {
					_ = file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return fmt.Errorf("close %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d document(s) to %s\n", len(docs), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "status.xlsx", "output file")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of documents in the report")
	return cmd
}
