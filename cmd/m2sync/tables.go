package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TFMV/m2sync/api"
	"github.com/TFMV/m2sync/metrics"
	"github.com/TFMV/m2sync/pkg/core"
)

func newTablesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the configured tables and their state in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			if err := a.cfg.Store.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx := runCtx(cmd)

			gw, err := openStore(ctx, a.cfg.Store, a.logger)
			if err != nil {
				return err
			}
			defer gw.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DATA TYPE\tTABLE\tIDENTITY\tEXISTS\tCOLUMNS")
			for _, dt := range a.cfg.DataTypes {
				cols, err := gw.TableSchema(ctx, dt.Table)
				switch {
				case errors.Is(err, core.ErrTableNotFound):
					fmt.Fprintf(tw, "%s\t%s\t%s\tno\t-\n", dt.Name, dt.Table, dt.Identity)
				case err != nil:
					return fmt.Errorf("failed to inspect %s: %w", dt.Table, err)
				default:
					fmt.Fprintf(tw, "%s\t%s\t%s\tyes\t%d\n", dt.Name, dt.Table, dt.Identity, len(cols))
				}
			}
			return tw.Flush()
		},
	}
}

func newServeCommand(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, version and run reports over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				a.cfg.API.Port = port
			}

			server := api.NewServer(api.ServerOptions{
				Port:    strconv.Itoa(a.cfg.API.Port),
				Reports: &metrics.JSONReportStore{Dir: a.cfg.Reports.Dir},
				Logger:  a.logger,
			})
			a.logger.Info("Serving reports", zap.String("dir", a.cfg.Reports.Dir), zap.Int("port", a.cfg.API.Port))
			return server.Start(runCtx(cmd))
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	return cmd
}
