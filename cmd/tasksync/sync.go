package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/daemon"
	"github.com/tasksync/tasksync/internal/dashboard"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Run a single sync cycle:
  1. Scan the vault for dated tasks
  2. Diff them against the tracked events
  3. Create, update, move and complete events in batches
  4. Hold orphaned events for review (safe mode) or delete them

Use --dry-run to see what would change without touching the calendar.`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a := mustOpenApp()
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		summary, err := a.engine.RunCycle(ctx, engine.Options{DryRun: dryRun})
		if errors.Is(err, engine.ErrCycleInProgress) {
			fatal("another sync is running")
		}
		if err != nil {
			fatal("sync failed: %v", err)
		}

		if jsonOutput {
			printJSON(summary)
			return
		}
		printSummary(summary)
	},
}

func printSummary(s *engine.Summary) {
	icon := ui.RenderPass("✓")
	label := "Sync complete"
	if s.DryRun {
		icon, label = ui.RenderAccent("🔍"), "Dry run"
	}
	if s.Failed > 0 {
		icon = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s %s in %v: %s\n", icon, label, s.Duration.Round(time.Millisecond), s)
	if s.Diverted > 0 {
		fmt.Printf("   %s %d deletion(s) waiting for review: run 'tasksync review'\n", ui.RenderWarn("⚠"), s.Diverted)
	}
	for _, w := range s.Warnings {
		fmt.Printf("   %s %s\n", ui.RenderWarn("!"), w)
	}
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Watch the vault and sync continuously (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Run a cycle at startup
  2. Watch the vault for Markdown changes and sync after a quiet period
  3. Run a cycle on every interval tick even without changes

With --dashboard the review API and WebSocket feed are served as well.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")

		a := mustOpenApp()
		defer a.Close()

		var server *dashboard.Server
		dc := cfg.DaemonConfig()
		dc.OnCycle = func(trigger string, s *engine.Summary, err error) {
			if server != nil {
				server.OnCycle(trigger, s, err)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s cycle failed: %v\n", ui.RenderFail("✗"), trigger, err)
				return
			}
			if s.Created+s.Updated+s.Deleted+s.Failed+s.Diverted > 0 {
				fmt.Printf("%s [%s] %s\n", ui.RenderMuted(time.Now().Format("15:04:05")), trigger, s)
			}
		}

		d, err := daemon.New(a.engine, dc, logger)
		if err != nil {
			fatal("failed to create daemon: %v", err)
		}

		if withDashboard {
			if !cmd.Flags().Changed("port") {
				port = cfg.Dashboard.Port
			}
			server = dashboard.NewServer(a.engine, dashboard.Config{Port: port, Trigger: d.Trigger}, logger)
			if err := server.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			defer server.Stop()
		}

		fmt.Printf("%s Starting tasksync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Vault: %s\n", dc.Root)
		fmt.Printf("   Interval: %v, debounce: %v\n", dc.Interval, dc.Debounce)
		fmt.Printf("   State: %s\n", cfg.State.Path)
		if server != nil {
			fmt.Printf("   Dashboard: http://%s\n", server.Addr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signalContext()
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		counts, err := a.db.GetCounts(cmd.Context())
		if err != nil {
			fatal("failed to read state: %v", err)
		}
		st, err := a.engine.State(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(map[string]any{
				"state":             cfg.State.Path,
				"config":            cfg.File,
				"lastSyncAt":        st.LastSyncAt,
				"tracked":           counts.SyncedTasks,
				"pendingOperations": counts.PendingOperations,
				"pendingDeletions":  counts.PendingDeletions,
				"recentlyDeleted":   counts.RecentlyDeleted,
				"externalRemovals":  counts.ExternalRemovals,
				"logEntries":        counts.LogEntries,
			})
			return
		}

		fmt.Printf("\n%s tasksync status\n\n", ui.RenderAccent("📊"))
		if cfg.File != "" {
			fmt.Printf("Config: %s\n", cfg.File)
		}
		fmt.Printf("State: %s\n", cfg.State.Path)
		fmt.Printf("Vault: %s\n", cfg.Vault.Root)
		fmt.Printf("Last sync: %s\n", ui.Ago(st.LastSyncAt, time.Now()))
		fmt.Printf("Tracked tasks: %d\n", counts.SyncedTasks)
		fmt.Printf("Queued retries: %d\n", counts.PendingOperations)
		fmt.Printf("Archived deletions: %d\n", counts.RecentlyDeleted)

		if counts.PendingDeletions > 0 {
			fmt.Printf("%s Deletions waiting for review: %d\n", ui.RenderWarn("⚠"), counts.PendingDeletions)
		}
		if counts.ExternalRemovals > 0 {
			fmt.Printf("%s Events removed outside tasksync: %d (see 'tasksync external list')\n", ui.RenderWarn("⚠"), counts.ExternalRemovals)
		}
		fmt.Println()
	},
}

var calendarsCmd = &cobra.Command{
	Use:     "calendars",
	GroupID: "advanced",
	Short:   "List calendars, or the events of one calendar",
	Long: `List the calendars the token can see, with their ids.

With --events CALENDAR_ID the events of that calendar in the next
--days days are listed instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		eventsOf, _ := cmd.Flags().GetString("events")
		days, _ := cmd.Flags().GetInt("days")

		a := mustOpenApp()
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if eventsOf != "" {
			from := time.Now().Truncate(24 * time.Hour)
			events, err := a.client.ListEvents(ctx, eventsOf, from, from.AddDate(0, 0, days))
			if err != nil {
				fatal("%v", err)
			}
			if jsonOutput {
				printJSON(events)
				return
			}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				start := ev.Start.DateTime
				if start == "" {
					start = ev.Start.Date
				}
				rows = append(rows, []string{start, ui.Truncate(ev.Summary, 60), ui.RenderMuted(ev.ID)})
			}
			fmt.Print(ui.Table([]string{"START", "SUMMARY", "ID"}, rows))
			return
		}

		collections, err := a.client.ListCollections(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(collections)
			return
		}
		rows := make([][]string, 0, len(collections))
		for _, c := range collections {
			mark := ""
			if c.Primary {
				mark = ui.RenderAccent("primary")
			}
			rows = append(rows, []string{c.Name, c.ID, mark})
		}
		fmt.Print(ui.Table([]string{"NAME", "ID", ""}, rows))
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "Show what would change without writing")
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the review dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (default from dashboard.port)")
	calendarsCmd.Flags().String("events", "", "List events of this calendar id")
	calendarsCmd.Flags().Int("days", 14, "Days ahead to list with --events")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(calendarsCmd)
}
