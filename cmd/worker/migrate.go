package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/joshu-sajeev/jobrunner/internal/app"
	"github.com/joshu-sajeev/jobrunner/internal/migration"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Migrations.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d migration(s) executed\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show every migration and whether it has run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Migrations.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(records))
				return nil
			})
		},
	})
	return cmd
}

func renderStatus(records []migration.Record) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Name", "Status", "Executed At"})
	for _, rec := range records {
		executed := "-"
		if rec.ExecutedAt != nil {
			executed = rec.ExecutedAt.UTC().Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{strconv.Itoa(rec.Position), rec.Name, string(rec.Status), executed})
	}
	return tw.Render()
}
