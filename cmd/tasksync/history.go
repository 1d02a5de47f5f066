package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "advanced",
	Short:   "Inspect operations queued for retry",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		st, err := a.engine.State(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(st.PendingOperations)
			return
		}
		if len(st.PendingOperations) == 0 {
			fmt.Printf("%s Retry queue is empty\n", ui.RenderPass("✓"))
			return
		}
		now := time.Now()
		rows := make([][]string, 0, len(st.PendingOperations))
		for _, p := range st.PendingOperations {
			rows = append(rows, []string{
				string(p.Type),
				p.TaskID,
				strconv.Itoa(p.RetryCount),
				ui.Ago(p.QueuedAt, now),
				ui.RenderMuted(ui.Truncate(p.LastError, 50)),
			})
		}
		fmt.Print(ui.Table([]string{"TYPE", "TASK", "RETRIES", "QUEUED", "LAST ERROR"}, rows))
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		err := a.engine.ClearQueue(cmd.Context())
		exitOnBusy(err)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Retry queue cleared\n", ui.RenderPass("✓"))
	},
}

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "advanced",
	Short:   "Show the sync log",
	Long: `Show the most recent sync log entries.

--since accepts a duration (2h, 30m), a date (2025-03-01) or plain
English such as "yesterday" or "last monday".`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		clearLog, _ := cmd.Flags().GetBool("clear")

		a := mustOpenApp()
		defer a.Close()

		if clearLog {
			err := a.engine.ClearLog(cmd.Context())
			exitOnBusy(err)
			if err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s Sync log cleared\n", ui.RenderPass("✓"))
			return
		}

		var cutoff time.Time
		if since != "" {
			var err error
			if cutoff, err = parseSince(since, time.Now()); err != nil {
				fatal("%v", err)
			}
		}

		st, err := a.engine.State(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		entries := filterLog(st.SyncLog, cutoff)
		if jsonOutput {
			printJSON(entries)
			return
		}
		for _, e := range entries {
			fmt.Printf("%s %s %s\n", ui.RenderMuted(e.Time.Local().Format("2006-01-02 15:04:05")), levelIcon(e.Level), e.Message)
		}
	},
}

// parseSince turns a --since value into an absolute time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want a duration, a date or a phrase like \"yesterday\"", s)
	}
	return r.Time, nil
}

func filterLog(entries []schema.LogEntry, cutoff time.Time) []schema.LogEntry {
	if cutoff.IsZero() {
		return entries
	}
	out := make([]schema.LogEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Time.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func levelIcon(l schema.LogLevel) string {
	switch l {
	case schema.LevelError:
		return ui.RenderFail("✗")
	case schema.LevelWarn:
		return ui.RenderWarn("⚠")
	default:
		return ui.RenderPass("•")
	}
}

var archiveCmd = &cobra.Command{
	Use:     "archive",
	GroupID: "review",
	Short:   "Recently deleted events",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently deleted events",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		st, err := a.engine.State(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(st.RecentlyDeleted)
			return
		}
		if len(st.RecentlyDeleted) == 0 {
			fmt.Println("Archive is empty")
			return
		}
		rows := make([][]string, 0, len(st.RecentlyDeleted))
		for i, e := range st.RecentlyDeleted {
			rows = append(rows, []string{
				strconv.Itoa(i),
				ui.Truncate(e.Title, 40),
				ui.When(e.Date, e.Time),
				e.CollectionName,
				ui.RenderMuted("expires " + e.ExpiresAt.Local().Format("2006-01-02")),
			})
		}
		fmt.Print(ui.Table([]string{"#", "TITLE", "WHEN", "CALENDAR", ""}, rows))
	},
}

var archiveRecoverCmd = &cobra.Command{
	Use:   "recover <index>",
	Short: "Print an archived event as a task line",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		i, err := strconv.Atoi(args[0])
		if err != nil {
			fatal("index must be a number from 'tasksync archive list'")
		}

		a := mustOpenApp()
		defer a.Close()

		line, err := a.engine.RecoverText(cmd.Context(), i)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(line)
	},
}

func init() {
	logCmd.Flags().String("since", "", "Only entries after this time")
	logCmd.Flags().Bool("clear", false, "Empty the sync log")

	queueCmd.AddCommand(queueListCmd, queueClearCmd)
	archiveCmd.AddCommand(archiveListCmd, archiveRecoverCmd)

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(archiveCmd)
}
