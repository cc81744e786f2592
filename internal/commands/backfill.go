package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/gather"
	"metalsdesk/internal/provider"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed default instruments and synthetic history",
	Long: `Register the default LME instruments if the registry is empty and
write generated daily history for every Raw instrument into the historical
store. Intended for development and demos.`,
	RunE: runSeed,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch recent history from the live provider",
	Long: `Connect to the configured live provider and persist its daily
observations for every Raw instrument into the historical store.`,
	RunE: runBackfill,
}

func init() {
	seedCmd.Flags().Int("days", 0, "calendar days of history to generate (default source.seed_days)")
	backfillCmd.Flags().Int("days", 0, "calendar days to fetch (default source.lookback_days)")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(backfillCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		days = a.Config.Source.SeedDays
	}

	res, err := a.Backfill(commandContext(cmd), provider.NewSynthetic(), days)
	if err != nil {
		return fmt.Errorf("seeding history: %w", err)
	}
	printBackfill(cmd, "seeded", res)
	if len(res.Failed) > 0 {
		return fmt.Errorf("seed failed for %d of %d codes", len(res.Failed), res.Codes)
	}
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if a.Live == nil {
		return fmt.Errorf("%w: %s", domain.ErrSourceUnavailable, a.Monitor.Status().Message)
	}
	if st := a.Connect(commandContext(cmd)); st.State != domain.SourceConnected {
		return fmt.Errorf("%w: %s", domain.ErrVendorConnection, st.Message)
	}

	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		days = a.Config.Source.LookbackDays
	}

	res, err := a.Backfill(commandContext(cmd), a.Live, days)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	printBackfill(cmd, "backfilled", res)
	if len(res.Failed) > 0 {
		return fmt.Errorf("backfill failed for %d of %d codes", len(res.Failed), res.Codes)
	}
	return nil
}

func printBackfill(cmd *cobra.Command, verb string, res gather.BackfillResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d observations for %d codes\n", verb, res.Observations, res.Codes-len(res.Failed))
	if len(res.Failed) == 0 {
		return
	}
	codes := make([]string, 0, len(res.Failed))
	for code := range res.Failed {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	fmt.Fprintln(out, strings.Repeat("-", 40))
	for _, code := range codes {
		fmt.Fprintf(out, "%-12s %v\n", code, res.Failed[code])
	}
}
