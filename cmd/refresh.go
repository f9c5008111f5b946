package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/registry"
	"github.com/ctwatch/ctwatch/pkg/storage"
	"github.com/spf13/cobra"
)

// refreshCmd represents the refresh command
var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch a registry feed once and process new or changed records",
	Run: func(cmd *cobra.Command, args []string) {
		feedID, _ := cmd.Flags().GetString("feed")
		feedURL, _ := cmd.Flags().GetString("url")
		term, _ := cmd.Flags().GetString("term")
		location, _ := cmd.Flags().GetString("location")
		country, _ := cmd.Flags().GetString("country")
		count, _ := cmd.Flags().GetInt("count")
		dbPath, _ := cmd.Flags().GetString("dbpath")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		batchCap, _ := cmd.Flags().GetInt("batch")
		windowDays, _ := cmd.Flags().GetInt("window")
		drain, _ := cmd.Flags().GetBool("drain")

		if feedURL == "" {
			if term == "" && location == "" && country == "" {
				utils.Log.Fatal("either --url or at least one of --term/--location/--country is required")
			}
			feedURL = registry.FeedURL(registry.SearchParams{
				Term:      term,
				Location:  location,
				Country:   country,
				DateField: "LastUpdatePostDate",
				Count:     count,
			})
		}
		if feedID == "" {
			feedID = feedURL
		}

		db, err := storage.Open(dbPath)
		if err != nil {
			utils.Log.Fatal("failed to open database: ", err)
		}
		defer db.Close()

		orch := buildOrchestrator(db, nil, concurrency, batchCap, time.Duration(windowDays)*24*time.Hour)

		ctx := context.Background()
		for {
			res, err := orch.Refresh(ctx, feedID, feedURL, nil)
			if err != nil {
				utils.Log.Fatal("refresh failed: ", err)
			}
			fmt.Printf("%s: %d item(s) in window, %d processed, %d new\n",
				res.State, res.TotalItems, res.ProcessedItems, res.NewRecords)
			if !res.HasMore {
				break
			}
			if !drain {
				fmt.Printf("%d item(s) remaining, re-run or pass --drain to process them\n", res.Remaining)
				break
			}
			utils.Log.Infof("draining, %d item(s) remaining", res.Remaining)
		}
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
	refreshCmd.Flags().StringP("feed", "f", "", "Feed identifier (defaults to the feed URL)")
	refreshCmd.Flags().StringP("url", "u", "", "Explicit registry feed URL")
	refreshCmd.Flags().StringP("term", "t", "", "Search term for the saved search feed")
	refreshCmd.Flags().String("location", "", "Location filter for the saved search feed")
	refreshCmd.Flags().String("country", "", "Country filter for the saved search feed")
	refreshCmd.Flags().Int("count", 25, "Number of feed items to request")
	refreshCmd.Flags().String("dbpath", "ctwatch.sqlite", "Path to the sqlite database")
	refreshCmd.Flags().IntP("concurrency", "c", 3, "Entries processed in parallel per batch")
	refreshCmd.Flags().IntP("batch", "b", 5, "Maximum entries processed per invocation")
	refreshCmd.Flags().Int("window", 14, "Freshness window in days")
	refreshCmd.Flags().Bool("drain", false, "Keep invoking until the feed backlog is empty")
}
