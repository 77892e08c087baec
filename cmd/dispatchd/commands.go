package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remfix/dispatchd/internal/config"
)

// --- orders ---

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List orders",
	Long: `List orders via the operations API.

Examples:
  dispatchd orders
  dispatchd orders --category plumbing
  dispatchd orders --status completed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		categoryKey, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("status", status)
		if categoryKey != "" {
			q.Set("category", categoryKey)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}

		resp, err := client.get(cmd.Context(), "/orders?"+q.Encode())
		if err != nil {
			return err
		}

		var orders []struct {
			ID          int64  `json:"id"`
			Category    string `json:"category"`
			Description string `json:"description"`
			Status      string `json:"status"`
			MasterName  string `json:"master_name"`
			CreatedAt   string `json:"created_at"`
		}
		if err := decodeJSON(resp, &orders); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(orders)
		}

		if len(orders) == 0 {
			fmt.Println("No orders found.")
			return nil
		}

		for _, o := range orders {
			desc := o.Description
			if len(desc) > 60 {
				desc = desc[:60] + "..."
			}
			desc = strings.ReplaceAll(desc, "\n", " ")
			line := fmt.Sprintf("#%d  %-14s %-12s %s", o.ID, o.Category, o.Status, desc)
			if o.MasterName != "" {
				line += fmt.Sprintf("  [%s]", o.MasterName)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	ordersCmd.Flags().String("status", "new", "order status filter (new|completed)")
	ordersCmd.Flags().String("category", "", "category key filter")
	ordersCmd.Flags().Int("limit", 0, "maximum number of completed orders")
	ordersCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show order counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var stats map[string]int
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Total", "%d", stats["total"])
		printStatus("New", "%d", stats["new"])
		printStatus("In progress", "%d", stats["in_progress"])
		printStatus("Completed", "%d", stats["completed"])
		return nil
	},
}

// --- finance ---

var financeCmd = &cobra.Command{
	Use:   "finance",
	Short: "Show the commission report",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/finance")
		if err != nil {
			return err
		}

		var report struct {
			Completed  int `json:"completed"`
			Commission int `json:"commission"`
			Earnings   int `json:"earnings"`
			Masters    []struct {
				MasterName string `json:"master_name"`
				Completed  int    `json:"completed"`
			} `json:"masters"`
			Recent []struct {
				ID          int64  `json:"id"`
				Category    string `json:"category"`
				CompletedAt string `json:"completed_at"`
			} `json:"recent"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printStatus("Completed orders", "%d", report.Completed)
		printStatus("Commission", "%d per order", report.Commission)
		printStatus("Earnings", "%d", report.Earnings)

		if len(report.Masters) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "By master:"))
			for _, m := range report.Masters {
				fmt.Printf("  %-20s %d\n", m.MasterName, m.Completed)
			}
		}
		if len(report.Recent) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Recent:"))
			for _, o := range report.Recent {
				fmt.Printf("  #%-5d %-14s %s\n", o.ID, o.Category, o.CompletedAt)
			}
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
