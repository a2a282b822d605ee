package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	harvestlinesdk "harvestline/sdk/go"
)

func remoteCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running hl serve",
	}
	r.PersistentFlags().String("url", "http://127.0.0.1:8080", "server URL")
	r.PersistentFlags().String("base-path", "/api", "API base path")
	_ = viper.BindPFlag("url", r.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("base-path", r.PersistentFlags().Lookup("base-path"))
	r.AddCommand(remoteReloadCmd())
	r.AddCommand(remoteStatusCmd())
	r.AddCommand(remoteHistoryCmd())
	return r
}

func remoteClient() *harvestlinesdk.Client {
	c := harvestlinesdk.New(viper.GetString("url"))
	c.BasePath = viper.GetString("base-path")
	return c
}

func remoteReloadCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Trigger a reload on the server and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := remoteClient().TriggerReload(cmd.Context(), force, "cli")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("reload %d (%s): %s, %d records, %d issues deleted\n",
				out.ReloadID, out.RunID, out.Message, out.RecordsProcessed, out.IssuesDeleted)
			if out.Status == "failed" {
				return fmt.Errorf("reload %d failed", out.ReloadID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "terminate an active reload first")
	return cmd
}

func remoteStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health and scheduler state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := remoteClient()
			health, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			sched, err := c.Scheduler(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"health": health, "scheduler": sched})
			}
			fmt.Printf("status: %s (database %s), %d issues, reload in progress: %t\n",
				health.Status, health.Database, health.Issues, health.ReloadInProgress)
			if health.LastHarvest != nil {
				fmt.Println("last harvest:", health.LastHarvest.Format(time.RFC3339))
			}
			if sched.Running && sched.NextHarvest != nil {
				fmt.Printf("scheduler: %s, next at %s\n", sched.Spec, sched.NextHarvest.Format(time.RFC3339))
			} else {
				fmt.Println("scheduler: stopped")
			}
			return nil
		},
	}
	return cmd
}

func remoteHistoryCmd() *cobra.Command {
	var limit int
	var status string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List reload records from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := remoteClient().Reloads(cmd.Context(), limit, status)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Started", "Status", "Source", "Records", "Deleted"})
			for _, r := range items {
				tw.AppendRow(table.Row{r.ID, r.Started.Format(time.RFC3339), r.Status, r.Source, r.RecordsProcessed, r.IssuesDeleted})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max records")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}
