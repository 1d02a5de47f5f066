package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/db"
	"github.com/tasksync/tasksync/internal/migrate"
	"github.com/tasksync/tasksync/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "advanced",
	Short:   "Import a legacy JSON state file",
	Long: `Import sync state from a JSON document (syncedTasks, pendingOperations,
pendingDeletions, recentlyDeleted, syncLog) into the state database.

The document may hold the state at the top level or under "syncState".

Examples:
  tasksync migrate --from data.json --dry-run
  tasksync migrate --from data.json --backup`,
	Run: func(cmd *cobra.Command, args []string) {
		from, _ := cmd.Flags().GetString("from")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		force, _ := cmd.Flags().GetBool("force")

		database, err := db.Open(cfg.State.Path)
		if err != nil {
			fatal("failed to open state database: %v", err)
		}
		defer database.Close()

		result, err := migrate.Migrate(cmd.Context(), database, migrate.MigrateOptions{
			From:   from,
			DryRun: dryRun,
			Backup: backup,
			Force:  force,
		})
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(result)
			return
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s into %s\n", ui.RenderPass("✓"), verb, cfg.State.Path)
		fmt.Printf("   Tracked tasks: %d\n", result.Tracked)
		fmt.Printf("   Queued operations: %d\n", result.Queued)
		fmt.Printf("   Pending deletions: %d\n", result.Pending)
		fmt.Printf("   Archived: %d\n", result.Archived)
		fmt.Printf("   Log entries: %d\n", result.LogEntries)
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s skipped %s\n", ui.RenderWarn("⚠"), e)
		}
	},
}

func init() {
	migrateCmd.Flags().String("from", "", "Legacy JSON state file")
	migrateCmd.Flags().Bool("dry-run", false, "Report what would be imported")
	migrateCmd.Flags().Bool("backup", false, "Copy the input file aside first")
	migrateCmd.Flags().Bool("force", false, "Replace a database that already tracks tasks")
	_ = migrateCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(migrateCmd)
}
