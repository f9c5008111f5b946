package cmd

import (
	"time"

	"github.com/ctwatch/ctwatch/internal/server"
	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/cancel"
	"github.com/ctwatch/ctwatch/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for triggering and observing refreshes",
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("listen")
		dbPath, _ := cmd.Flags().GetString("dbpath")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		batchCap, _ := cmd.Flags().GetInt("batch")
		windowDays, _ := cmd.Flags().GetInt("window")

		user := viper.GetString("server.username")
		pass := viper.GetString("server.password")
		if user == "" || pass == "" {
			utils.Log.Fatal("server.username and server.password must be set in the config file")
		}

		db, err := storage.Open(dbPath)
		if err != nil {
			utils.Log.Fatal("failed to open database: ", err)
		}
		defer db.Close()

		reg := cancel.NewRegistry()
		orch := buildOrchestrator(db, reg, concurrency, batchCap, time.Duration(windowDays)*24*time.Hour)

		srv := server.New(db, orch, reg, user, pass)
		utils.Log.Info("listening on ", addr)
		if err := srv.Start(addr); err != nil {
			utils.Log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "a", "127.0.0.1:8382", "Address to listen on")
	serveCmd.Flags().String("dbpath", "ctwatch.sqlite", "Path to the sqlite database")
	serveCmd.Flags().IntP("concurrency", "c", 3, "Entries processed in parallel per batch")
	serveCmd.Flags().IntP("batch", "b", 5, "Maximum entries processed per refresh invocation")
	serveCmd.Flags().Int("window", 14, "Freshness window in days")
}
