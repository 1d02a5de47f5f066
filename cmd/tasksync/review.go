package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var deletionsCmd = &cobra.Command{
	Use:     "deletions",
	GroupID: "review",
	Short:   "Review deletions held by safe mode",
	Long: `Events whose task disappeared from the vault are not deleted right
away in safe mode. They wait here until approved (delete the event),
kept (leave the event and stop tracking the deletion) or restored (print
the task line so it can be pasted back).`,
}

var deletionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending deletions",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		st, err := a.engine.State(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(st.PendingDeletions)
			return
		}
		if len(st.PendingDeletions) == 0 {
			fmt.Printf("%s No deletions waiting for review\n", ui.RenderPass("✓"))
			return
		}
		fmt.Print(deletionTable(st.PendingDeletions))
	},
}

func deletionTable(pending []schema.DivertedDeletion) string {
	rows := make([][]string, 0, len(pending))
	for _, d := range pending {
		reason := string(d.Reason)
		if d.LinkedCreate != nil {
			reason += " (moved)"
		}
		rows = append(rows, []string{
			d.TaskID,
			ui.Truncate(d.Title, 40),
			ui.When(d.Date, d.Time),
			reason,
			ui.RenderMuted(d.SourceFile),
		})
	}
	return ui.Table([]string{"TASK", "TITLE", "WHEN", "REASON", "FILE"}, rows)
}

var deletionsApproveCmd = &cobra.Command{
	Use:   "approve [task-id...]",
	Short: "Delete the events of pending deletions",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		requireTargets(all, args)

		a := mustOpenApp()
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if all {
			res, err := a.engine.ApproveAll(ctx)
			exitOnBusy(err)
			if err != nil {
				fatal("%v", err)
			}
			failed := 0
			for _, r := range res {
				if r.Err != nil {
					failed++
					fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), r.Title, r.Err)
					continue
				}
				fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), r.Title)
			}
			if failed > 0 {
				os.Exit(1)
			}
			return
		}

		failed := false
		for _, id := range args {
			if err := a.engine.Approve(ctx, id); err != nil {
				exitOnBusy(err)
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, err)
				failed = true
				continue
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		}
		if failed {
			os.Exit(1)
		}
	},
}

var deletionsKeepCmd = &cobra.Command{
	Use:   "keep [task-id...]",
	Short: "Keep the events of pending deletions",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		requireTargets(all, args)

		a := mustOpenApp()
		defer a.Close()

		if all {
			n, err := a.engine.KeepAll(cmd.Context())
			exitOnBusy(err)
			if err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s Kept %d event(s)\n", ui.RenderPass("✓"), n)
			return
		}
		for _, id := range args {
			if err := a.engine.Keep(cmd.Context(), id); err != nil {
				exitOnBusy(err)
				fatal("%s: %v", id, err)
			}
			fmt.Printf("%s Kept %s\n", ui.RenderPass("✓"), id)
		}
	},
}

var deletionsRestoreCmd = &cobra.Command{
	Use:   "restore <task-id>",
	Short: "Print the task line of a pending deletion and keep its event",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		line, err := a.engine.Restore(cmd.Context(), args[0])
		exitOnBusy(err)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(line)
	},
}

var reviewCmd = &cobra.Command{
	Use:     "review",
	GroupID: "review",
	Short:   "Interactively review pending deletions",
	Run: func(cmd *cobra.Command, args []string) {
		if !ui.IsInteractive() {
			fatal("review needs a terminal; use 'tasksync deletions' instead")
		}

		a := mustOpenApp()
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		st, err := a.engine.State(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if len(st.PendingDeletions) == 0 {
			fmt.Printf("%s No deletions waiting for review\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s %d deletion(s) waiting for review\n\n", ui.RenderAccent("🗑"), len(st.PendingDeletions))
		for _, d := range st.PendingDeletions {
			if err := reviewOne(ctx, a.engine, d); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Review stopped")
					return
				}
				exitOnBusy(err)
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), d.Title, err)
			}
		}
	},
}

func reviewOne(ctx context.Context, eng *engine.Engine, d schema.DivertedDeletion) error {
	action := "skip"
	title := fmt.Sprintf("%s  %s", d.Title, ui.RenderMuted(ui.When(d.Date, d.Time)))
	desc := fmt.Sprintf("%s, from %s", d.Reason, d.SourceFile)

	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(title).
			Description(desc).
			Options(
				huh.NewOption("Delete the event", "approve"),
				huh.NewOption("Keep the event", "keep"),
				huh.NewOption("Restore the task line", "restore"),
				huh.NewOption("Decide later", "skip"),
			).
			Value(&action),
	)).Run()
	if err != nil {
		return err
	}

	switch action {
	case "approve":
		if err := eng.Approve(ctx, d.TaskID); err != nil {
			return err
		}
		fmt.Printf("%s Deleted\n", ui.RenderPass("✓"))
	case "keep":
		if err := eng.Keep(ctx, d.TaskID); err != nil {
			return err
		}
		fmt.Printf("%s Kept\n", ui.RenderPass("✓"))
	case "restore":
		line, err := eng.Restore(ctx, d.TaskID)
		if err != nil {
			return err
		}
		fmt.Printf("%s Paste back into %s:\n  %s\n", ui.RenderPass("✓"), d.SourceFile, line)
	}
	return nil
}

var externalCmd = &cobra.Command{
	Use:     "external",
	GroupID: "review",
	Short:   "Resolve events removed outside tasksync",
}

var externalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events that disappeared from the calendar",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		st, err := a.engine.State(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(st.ExternalRemovals)
			return
		}
		if len(st.ExternalRemovals) == 0 {
			fmt.Printf("%s Nothing to resolve\n", ui.RenderPass("✓"))
			return
		}
		rows := make([][]string, 0, len(st.ExternalRemovals))
		for _, r := range st.ExternalRemovals {
			rows = append(rows, []string{r.TaskID, ui.Truncate(r.Title, 40), r.Date, ui.RenderMuted(r.DetectedAt.Format("2006-01-02 15:04"))})
		}
		fmt.Print(ui.Table([]string{"TASK", "TITLE", "DATE", "DETECTED"}, rows))
	},
}

var externalResolveCmd = &cobra.Command{
	Use:   "resolve <task-id> <recreate|sever>",
	Short: "Recreate the event next sync, or stop syncing the task",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.Close()

		err := a.engine.ResolveExternal(cmd.Context(), args[0], engine.ExternalAction(args[1]))
		exitOnBusy(err)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), args[0], args[1])
	},
}

func requireTargets(all bool, args []string) {
	if all && len(args) > 0 {
		fatal("give task ids or --all, not both")
	}
	if !all && len(args) == 0 {
		fatal("give at least one task id, or --all")
	}
}

func exitOnBusy(err error) {
	if errors.Is(err, engine.ErrCycleInProgress) {
		fatal("a sync is running; try again in a moment")
	}
}

func init() {
	deletionsApproveCmd.Flags().Bool("all", false, "Approve every pending deletion")
	deletionsKeepCmd.Flags().Bool("all", false, "Keep every pending deletion")

	deletionsCmd.AddCommand(deletionsListCmd, deletionsApproveCmd, deletionsKeepCmd, deletionsRestoreCmd)
	externalCmd.AddCommand(externalListCmd, externalResolveCmd)

	rootCmd.AddCommand(deletionsCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(externalCmd)
}
