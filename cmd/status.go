package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sells-group/bookkeeper/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show intake record counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.StatusCounts(ctx)
		if err != nil {
			return err
		}

		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)

		total := 0
		for _, s := range statuses {
			n := counts[model.Status(s)]
			fmt.Printf("%-26s %d\n", s, n)
			total += n
		}
		fmt.Printf("%-26s %d\n", "total", total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
