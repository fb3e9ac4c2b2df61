package cli

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewPoolCmd создаёт группу команд для просмотра пулов.
func NewPoolCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect executor pools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pools with their bounds and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			pools, err := clientFn().ListPools()
			if err != nil {
				return err
			}

			headers := []string{"ROLE", "SIZE", "MIN", "MAX", "LOAD_FACTOR", "PENDING"}
			rows := make([][]string, len(pools))
			for i, p := range pools {
				rows[i] = []string{
					p.Role,
					strconv.Itoa(p.Size),
					strconv.Itoa(p.MinWorkers),
					strconv.Itoa(p.MaxWorkers),
					strconv.FormatFloat(p.LoadFactor, 'g', -1, 64),
					strconv.Itoa(p.Pending),
				}
			}

			outputFn().Print(headers, rows, pools)
			return nil
		},
	})

	return cmd
}

// NewStatsCmd создаёт команду вывода счётчиков tickets.
func NewStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ticket counts per role and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := clientFn().Stats()
			if err != nil {
				return err
			}

			headers := []string{"ROLE", "QUEUED", "PROCESSING", "COMPLETED", "FAILED"}
			rows := make([][]string, len(stats))
			for i, s := range stats {
				rows[i] = []string{
					s.Role,
					strconv.Itoa(s.Queued),
					strconv.Itoa(s.Processing),
					strconv.Itoa(s.Completed),
					strconv.Itoa(s.Failed),
				}
			}

			outputFn().Print(headers, rows, stats)
			return nil
		},
	}
}

// NewTickCmd создаёт команду внеочередного tick.
func NewTickCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one conductor cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			report, err := clientFn().Tick()
			if err != nil {
				return err
			}

			pools := make([]string, 0, len(report.Pools))
			for _, role := range slices.Sorted(maps.Keys(report.Pools)) {
				pools = append(pools, fmt.Sprintf("%s=%d", role, report.Pools[role]))
			}

			out.Success("Tick completed")
			out.Print(
				[]string{"ENQUEUED", "SKIPPED", "RECLAIMED", "REPORTED", "ERRORS", "POOLS", "DURATION_MS"},
				[][]string{{
					strconv.Itoa(report.Enqueued),
					strconv.Itoa(report.Skipped),
					strconv.Itoa(report.Reclaimed),
					strconv.Itoa(report.Reported),
					strconv.Itoa(report.Errors),
					strings.Join(pools, ","),
					strconv.FormatInt(report.DurationMs, 10),
				}},
				report,
			)
			return nil
		},
	}
}
