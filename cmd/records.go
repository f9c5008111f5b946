package cmd

import (
	"context"
	"fmt"

	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/storage"
	"github.com/spf13/cobra"
)

// recordsCmd represents the records command
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List recently stored trial records",
	Run: func(cmd *cobra.Command, args []string) {
		dbPath, _ := cmd.Flags().GetString("dbpath")
		limit, _ := cmd.Flags().GetInt("limit")
		showDiffs, _ := cmd.Flags().GetBool("diffs")

		db, err := storage.Open(dbPath)
		if err != nil {
			utils.Log.Fatal("failed to open database: ", err)
		}
		defer db.Close()

		records, err := db.ListRecentRecords(context.Background(), limit)
		if err != nil {
			utils.Log.Fatal("failed to list records: ", err)
		}
		if len(records) == 0 {
			fmt.Println("no records stored yet")
			return
		}
		for _, r := range records {
			kind := "updated"
			if r.IsNew {
				kind = "new"
			}
			fmt.Printf("[%s] %s (%s) %s\n", r.UpdatedAt.Format("2006-01-02 15:04"), r.NCTID, kind, r.Title)
			if r.Sponsor != "" {
				fmt.Printf("  sponsor: %s\n", r.Sponsor)
			}
			if !r.IsNew {
				fmt.Printf("  versions: %d -> %d\n", r.PreviousVersion, r.LatestVersion)
				fmt.Printf("  %s\n", r.ComparisonURL)
			} else {
				fmt.Printf("  %s\n", r.StudyURL)
			}
			if r.Summary != "" {
				fmt.Printf("  %s\n", r.Summary)
			}
			if showDiffs && r.DiffPayload != "" {
				fmt.Printf("  raw diff payload:\n%s\n", r.DiffPayload)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.Flags().String("dbpath", "ctwatch.sqlite", "Path to the sqlite database")
	recordsCmd.Flags().IntP("limit", "n", 20, "Maximum number of records to show")
	recordsCmd.Flags().Bool("diffs", false, "Also print the raw diff payload per record")
}
