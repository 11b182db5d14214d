package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyProject int64
	historyLimitN  int
	historyJSON    bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int64VarP(&historyProject, "project", "p", 0, "Project id")
	historyCmd.Flags().IntVarP(&historyLimitN, "limit", "n", 0, "Maximum number of messages (default from config)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	_ = historyCmd.MarkFlagRequired("project")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a project's recent chat messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		limit := historyLimitN
		if limit <= 0 {
			limit = historyLimit(cfg)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := newClient(cfg).ProjectMessages(ctx, historyProject, limit)
		if err != nil {
			return err
		}

		if historyJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}
