package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/logger"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	envFiles       []string
	verbose        bool
	metricsBackend string
	pushGatewayURL string
	statsdAddr     string
}

func (g *globals) logger(w io.Writer) logger.Logger {
	if g.verbose {
		return logger.NewVerboseLogger(w)
	}
	return logger.NewStandardLogger(w)
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globals{}
	rc := &cobra.Command{
		Use:   "loader",
		Short: "Load datasets through RAW, STAGING and LIVE.",
		Long: `loader runs data loads described by a JSON or YAML load document.

Each load populates RAW with the configured attachers, promotes RAW to
STAGING applying column transforms, runs dilution operations against STAGING
and merges STAGING into LIVE. Every table load is audited.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnv(g.envFiles...)
		},
	}
	pf := rc.PersistentFlags()
	pf.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "dotenv files loaded before configuration is read")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logs")
	pf.StringVar(&g.metricsBackend, "metrics-backend", os.Getenv("METRICS_BACKEND"), "metrics backend: none, pushgateway or datadog")
	pf.StringVar(&g.pushGatewayURL, "pushgateway-url", os.Getenv("PUSHGATEWAY_URL"), "Pushgateway base URL")
	pf.StringVar(&g.statsdAddr, "statsd-addr", os.Getenv("DD_DOGSTATSD_URL"), "DogStatsD address")

	rc.AddCommand(newRunCommand(g, stdout, stderr))
	rc.AddCommand(newCheckCommand(g, stdout, stderr))
	rc.AddCommand(newValidateCommand(g, stdout, stderr))
	rc.AddCommand(newCacheCommand(g, stdout, stderr))
	rc.AddCommand(newKindsCommand(stdout))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}
