package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	"github.com/HDRUK/RDMP-sub001/internal/cache"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/dilution"
	"github.com/HDRUK/RDMP-sub001/internal/pipeline"
	"github.com/HDRUK/RDMP-sub001/internal/project"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// parseInstant accepts RFC 3339 timestamps and bare dates (midnight UTC).
func parseInstant(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("cannot parse %q as a date or RFC 3339 time", s)
}

func newCacheCommand(g *globals, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and populate the load cache",
	}
	cmd.AddCommand(newCacheFetchCommand(g, stdout, stderr))
	cmd.AddCommand(newCacheSweepCommand(g, stdout, stderr))
	return cmd
}

func newCacheFetchCommand(g *globals, stdout, stderr io.Writer) *cobra.Command {
	var (
		path, source, format, from, to string
		step                           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every window of a source into the cache",
		Long: `Fetch splits [--start, --end) into windows of --step and makes sure
each is cached, fetching misses from the load's origin. Windows already
cached are not fetched again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" || source == "" {
				return errors.New("--config and --source are required")
			}
			start, err := parseInstant(from)
			if err != nil {
				return errors.Wrap(err, "--start")
			}
			end, err := parseInstant(to)
			if err != nil {
				return errors.Wrap(err, "--end")
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			log := g.logger(stderr)
			m, err := pipeline.BuildCache(cfg.Cache, project.New(cfg.Project), log)
			if err != nil {
				return err
			}
			windows, err := cache.Windows(source, format, start, end, step)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			failed := 0
			for _, w := range windows {
				res, err := m.Fetch(ctx, w)
				if err != nil {
					fmt.Fprintf(stdout, "%s\t%s\terror\t%v\n", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), err)
					failed++
					if ctx.Err() != nil {
						break
					}
					continue
				}
				fmt.Fprintf(stdout, "%s\t%s\t%s\t%d\n", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), res.Status, res.Bytes)
			}
			if failed > 0 {
				return errors.Errorf("%d of %d window(s) failed", failed, len(windows))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&path, "config", "c", "", "load document")
	f.StringVar(&source, "source", "", "source name")
	f.StringVar(&format, "format", "csv", "chunk format")
	f.StringVar(&from, "start", "", "window start (date or RFC 3339)")
	f.StringVar(&to, "end", "", "window end, exclusive")
	f.DurationVar(&step, "step", 24*time.Hour, "window length")
	return cmd
}

func newCacheSweepCommand(g *globals, stdout, stderr io.Writer) *cobra.Command {
	var (
		path      string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove temporary files left by interrupted fetches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return errors.New("--config is required")
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			layout := cache.CreateCacheLayout(project.New(cfg.Project).Root)
			n, err := layout.Sweep(olderThan, time.Now())
			if err != nil {
				return err
			}
			g.logger(stderr).Debugf("swept %s", layout.Dir())
			fmt.Fprintf(stdout, "removed %d temporary file(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "load document")
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "only remove files not modified for this long")
	return cmd
}

func newKindsCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List registered storage kinds, attachers and dilution operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(stdout, "storage:    %s\n", strings.Join(storage.ListKinds(), ", "))
			fmt.Fprintf(stdout, "attachers:  %s\n", strings.Join(attach.Kinds(), ", "))
			fmt.Fprintf(stdout, "dilutions:  %s\n", strings.Join(dilution.Names(), ", "))
			return nil
		},
	}
}
