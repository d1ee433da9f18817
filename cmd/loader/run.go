package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/pipeline"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// buildAll builds a pipeline per load document. On error everything built
// so far is closed.
func buildAll(ctx context.Context, paths []string, log logger.Logger) ([]*pipeline.Built, error) {
	var out []*pipeline.Built
	for _, p := range paths {
		cfg, err := config.LoadFile(p)
		if err == nil {
			var b *pipeline.Built
			b, err = pipeline.Build(ctx, cfg, pipeline.BuildOptions{Log: log.WithPrefix(cfg.Job + ": ")})
			if err == nil {
				out = append(out, b)
				continue
			}
		}
		closeAll(out, log)
		return nil, errors.Wrapf(err, "%s", p)
	}
	return out, nil
}

func closeAll(bs []*pipeline.Built, log logger.Logger) {
	for _, b := range bs {
		if err := b.Close(); err != nil {
			log.Warnf("close %s: %v", b.Job.Name, err)
		}
	}
}

func newRunCommand(g *globals, stdout, stderr io.Writer) *cobra.Command {
	var (
		paths    []string
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more loads",
		Long: `Run executes every load document given with --config. Independent
loads run in parallel up to --parallel at a time. The command fails when any
load does not finish with Success or OperationNotRequired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(paths) == 0 {
				return errors.New("at least one --config is required")
			}
			ctx := commandContext(cmd)
			log := g.logger(stderr)

			built, err := buildAll(ctx, paths, log)
			if err != nil {
				return err
			}
			defer closeAll(built, log)

			job := "loader"
			if len(built) == 1 {
				job = built[0].Job.Name
			}
			flush, err := setupMetrics(g, job, log)
			if err != nil {
				return err
			}
			defer flush()

			tasks := make([]pipeline.Task, len(built))
			for i, b := range built {
				tasks[i] = pipeline.Task{Pipeline: b.Pipeline, Job: b.Job}
			}
			start := time.Now()
			codes := pipeline.Runner{Limit: parallel}.RunAll(ctx, tasks)
			for i, c := range codes {
				fmt.Fprintf(stdout, "%s\t%s\t%s\n", tasks[i].Job.Name, tasks[i].Job.ID, c)
			}
			log.Debugf("completed in %s", time.Since(start).Truncate(time.Millisecond))
			if w := pipeline.Worst(codes); !w.OK() {
				return errors.Errorf("load finished with %s", w)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&paths, "config", "c", nil, "load document (repeatable)")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "maximum loads running at once; 0 means unlimited")
	return cmd
}

func newCheckCommand(g *globals, stdout, stderr io.Writer) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a load without loading anything",
		Long: `Check initialises every attacher against RAW and runs its checks:
sources are reachable, target tables exist and transforms parse. Nothing is
created, emptied or loaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return errors.New("--config is required")
			}
			ctx := commandContext(cmd)
			log := g.logger(stderr)
			built, err := buildAll(ctx, []string{path}, log)
			if err != nil {
				return err
			}
			defer closeAll(built, log)
			b := built[0]

			err = b.Pipeline.Check(ctx, b.Job)
			if endErr := b.Job.Audit.End(ctx, err != nil); endErr != nil {
				log.Warnf("audit: %v", endErr)
			}
			if err != nil {
				return errors.Wrapf(err, "%s", b.Job.Name)
			}
			fmt.Fprintf(stdout, "%s: checks passed\n", b.Job.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "load document")
	return cmd
}

func newValidateCommand(g *globals, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>...",
		Short: "Validate load documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, p := range args {
				cfg, err := config.LoadFile(p)
				if err != nil {
					fmt.Fprintf(stdout, "%s: %v\n", p, err)
					invalid++
					continue
				}
				issues := config.ValidateLoad(cfg, pipeline.Known())
				for _, iss := range issues {
					fmt.Fprintf(stdout, "%s: %s: %s: %s\n", p, iss.Severity, iss.Path, iss.Message)
				}
				if config.HasErrors(issues) {
					invalid++
					continue
				}
				fmt.Fprintf(stdout, "%s: configuration is valid\n", p)
			}
			if invalid > 0 {
				return errors.Errorf("%d of %d configuration(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
	return cmd
}
