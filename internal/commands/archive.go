package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/gather"
	"metalsdesk/internal/store"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Copy SQLite history into Parquet files",
	Long: `Copy daily observations of every Raw instrument from the SQLite store
into year-partitioned Parquet files under --out. Existing Parquet rows for the
same code and date are replaced.`,
	RunE: runArchive,
}

func init() {
	archiveCmd.Flags().String("from", "2000-01-01", "first date to copy (YYYY-MM-DD)")
	archiveCmd.Flags().String("to", "", "last date to copy (YYYY-MM-DD, default today)")
	archiveCmd.Flags().String("out", "", "Parquet data directory (default storage.data_dir)")

	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	rng, err := archiveRange(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = a.Config.Storage.DataDir
	}

	n, err := gather.Archive(commandContext(cmd), a.SQLite, store.NewParquetStore(out),
		gather.ArchiveCodes(a.Registry.Raw()), rng, a.Log)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archived %d observations to %s\n", n, out)
	return nil
}

func archiveRange(cmd *cobra.Command) (gather.DateRange, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")

	from, err := domain.ParseDate(fromStr)
	if err != nil {
		return gather.DateRange{}, fmt.Errorf("%w: invalid --from %q", domain.ErrInvalidRange, fromStr)
	}
	to := domain.Day(time.Now())
	if toStr != "" {
		if to, err = domain.ParseDate(toStr); err != nil {
			return gather.DateRange{}, fmt.Errorf("%w: invalid --to %q", domain.ErrInvalidRange, toStr)
		}
	}
	if from.After(to) {
		return gather.DateRange{}, fmt.Errorf("%w: --from %s is after --to %s", domain.ErrInvalidRange, fromStr, domain.FormatDate(to))
	}
	return gather.DateRange{Start: from, End: to}, nil
}
