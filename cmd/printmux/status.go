package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query every printer once and print a status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(db.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			defer store.Close()

			pool := core.NewClientPool(&http.Client{}, cfg.Printers.RequestsPerSecond)
			fleet := core.NewFleet(core.NewSQLStore(store), pool.Device, nil, cfg.Printers.StatusTimeout, logger)

			statuses, err := fleet.QueryAll(context.Background())
			if err != nil {
				return err
			}
			return writeStatusTable(os.Stdout, statuses)
		},
	}
}

func writeStatusTable(out io.Writer, statuses []core.PrinterStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tONLINE\tSTATE\tPROGRESS\tFILE\tMESSAGE")
	for _, s := range statuses {
		progress := "-"
		if s.Progress != nil {
			progress = fmt.Sprintf("%.0f%%", *s.Progress*100)
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\t%s\n",
			s.PrinterID, s.Name, s.Online, s.State, progress, s.Filename, s.Message)
	}
	return w.Flush()
}
