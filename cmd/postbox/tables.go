package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"postbox/pkg/health"
	"postbox/pkg/types"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f5a623"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

// relative renders t against now as "in 5m" or "3m ago".
func relative(t, now time.Time) string {
	if t.IsZero() {
		return dimStyle.Render("never")
	}
	d := t.Sub(now).Round(time.Second)
	switch {
	case d > 0:
		return "in " + d.String()
	case d == 0:
		return "now"
	}
	return (-d).String() + " ago"
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.LogLevel)
			defer logger.Sync()

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			items, err := st.ListItems(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderQueue(items, cfg.Delivery.MaxAttempts, time.Now()))
			return nil
		},
	}
}

func renderQueue(items []*types.DeliveryItem, maxAttempts int, now time.Time) string {
	if len(items) == 0 {
		return dimStyle.Render("No pending deliveries")
	}

	t := newTable("ID", "SERVER", "POST", "COMMAND", "ATTEMPTS", "NEXT", "LAST ERROR")
	for _, it := range items {
		attempts := fmt.Sprintf("%d/%d", it.Failed, maxAttempts)
		if it.Failed > 0 {
			attempts = warnStyle.Render(attempts)
		}
		lastErr := it.LastError
		if len(lastErr) > 48 {
			lastErr = lastErr[:45] + "..."
		}
		t.Row(
			it.ID[:min(8, len(it.ID))],
			string(it.ServerID),
			fmt.Sprintf("%d", it.PostURIID),
			string(it.Command),
			attempts,
			relative(it.NextAttempt, now),
			lastErr,
		)
	}
	return t.String() + "\n" + dimStyle.Render(fmt.Sprintf("%d pending", len(items)))
}

func serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Show the health of known remote servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.LogLevel)
			defer logger.Sync()

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			tracker, err := health.NewTracker(st, cfg.Health.Policy(), logger, nil)
			if err != nil {
				return err
			}
			servers, err := tracker.List(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderServers(servers, time.Now()))
			return nil
		},
	}
}

func renderServers(servers []*types.Server, now time.Time) string {
	if len(servers) == 0 {
		return dimStyle.Render("No servers contacted yet")
	}

	t := newTable("SERVER", "STATUS", "FORMAT", "FAILURES", "LAST CONTACT", "LAST FAILURE", "NEXT CONTACT")
	for _, s := range servers {
		var status string
		switch {
		case !s.Failed:
			status = okStyle.Render("REACHABLE")
		case s.Contactable(now):
			status = warnStyle.Render("RETRY DUE")
		default:
			status = failStyle.Render("UNREACHABLE")
		}
		format := s.Format
		if format == "" {
			format = dimStyle.Render("default")
		}
		next := dimStyle.Render("-")
		if s.Failed {
			next = relative(s.NextContact, now)
		}
		t.Row(
			string(s.ID),
			status,
			format,
			fmt.Sprintf("%d", s.ConsecutiveFailures),
			relative(s.LastContact, now),
			relative(s.LastFailure, now),
			next,
		)
	}
	return t.String()
}

