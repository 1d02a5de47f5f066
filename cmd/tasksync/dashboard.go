package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "review",
	Short:   "Serve the review API and live sync feed",
	Long: `Start the review dashboard without running sync cycles.

Routes:
  GET  /api/state                      pending deletions, archive, log, queue
  POST /api/deletions/{id}/approve     delete the event
  POST /api/deletions/{id}/keep        keep the event
  POST /api/deletions/{id}/restore     return the task line
  POST /api/deletions/approve-all
  POST /api/deletions/keep-all
  POST /api/log/clear
  POST /api/queue/clear

WebSocket messages on /ws:
- deletion_resolved: a pending deletion was approved, kept or restored
- state_changed: the log or retry queue was cleared

Run 'tasksync daemon --dashboard' to also get sync_complete and
deletions_pending messages from live cycles.`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		a := mustOpenApp()
		defer a.Close()

		server := dashboard.NewServer(a.engine, dashboard.Config{Port: port}, logger)
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard server started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signalContext()
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on (default from dashboard.port)")
	rootCmd.AddCommand(dashboardCmd)
}
