// Command loader runs data loads: it populates RAW from the configured
// sources, promotes to STAGING, dilutes and merges into LIVE, recording an
// audit trail for every table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// register every storage backend and attacher; configuration selects.
	_ "github.com/HDRUK/RDMP-sub001/internal/attach/all"
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/all"
)

func main() {
	// an interrupt cancels running loads at their next batch boundary
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	err := rc.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
