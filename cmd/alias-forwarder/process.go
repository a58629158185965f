package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/job"
)

type processOptions struct {
	raw     bool
	from    string
	to      []string
	timeout time.Duration
}

func newProcessCmd(root *rootOptions) *cobra.Command {
	opts := &processOptions{}

	cmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Run one job through the forwarder",
		Long: `Read a job and forward it once. The input is a job JSON document
({"from": ..., "to": ..., "data": ...}) or, with --raw, an RFC 5322 message
whose envelope is given by --from and --to. With no file, stdin is read.

Exit status is 75 when the job should be retried and 65 when it can never
succeed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				j   *job.Job
				err error
			)
			switch {
			case len(args) == 1 && !opts.raw:
				j, err = job.Load(args[0])
			case len(args) == 1:
				var f *os.File
				if f, err = os.Open(args[0]); err == nil {
					defer f.Close()
					j, err = readJob(f, opts)
				}
			default:
				j, err = readJob(cmd.InOrStdin(), opts)
			}
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return process(ctx, root, j, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.raw, "raw", false, "input is a raw message instead of job JSON")
	cmd.Flags().StringVar(&opts.from, "from", "", "envelope sender for --raw input")
	cmd.Flags().StringSliceVar(&opts.to, "to", nil, "envelope recipients for --raw input")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "maximum time to spend on the job")
	return cmd
}

func readJob(r io.Reader, opts *processOptions) (*job.Job, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}

	if !opts.raw {
		return job.Decode(data)
	}
	if len(opts.to) == 0 {
		return nil, fmt.Errorf("--raw requires at least one --to recipient")
	}
	return job.New(opts.from, opts.to, data), nil
}

func process(ctx context.Context, root *rootOptions, j *job.Job, out io.Writer) error {
	a, err := newApp(ctx, root.cfg, out)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.handler.Handle(ctx, j); err != nil {
		return err
	}
	a.logger.Info("job processed", zap.String("job_id", j.ID), zap.Int("recipients", len(j.To)))
	return nil
}
