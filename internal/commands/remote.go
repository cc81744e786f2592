package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"metalsdesk/pkg/metalsdesk"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live source status of a running server",
	RunE:  runStatus,
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Ask a running server to reopen its live session",
	RunE:  runReconnect,
}

var quoteCmd = &cobra.Command{
	Use:   "quote [CODE...]",
	Short: "Print latest quotes from a running server",
	Long:  "Print latest quotes for the given codes, or for every Raw instrument when none are given.",
	RunE:  runQuote,
}

func init() {
	defaultServer := "http://localhost:8080"
	if v := os.Getenv("METALSDESK_SERVER"); v != "" {
		defaultServer = v
	}
	for _, c := range []*cobra.Command{statusCmd, reconnectCmd, quoteCmd} {
		c.Flags().StringVar(&serverURL, "server", defaultServer, "metalsdesk server base URL")
		rootCmd.AddCommand(c)
	}
}

func printStatus(cmd *cobra.Command, st *metalsdesk.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state:       %s\n", st.State)
	fmt.Fprintf(out, "mode:        %s\n", st.Mode)
	if st.Provider != "" {
		fmt.Fprintf(out, "provider:    %s\n", st.Provider)
	}
	fmt.Fprintf(out, "message:     %s\n", st.Message)
	if st.LastError != "" {
		fmt.Fprintf(out, "last error:  %s\n", st.LastError)
	}
	fmt.Fprintf(out, "live window: %s .. %s\n", st.LiveWindow.From, st.LiveWindow.To)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := metalsdesk.NewClient(serverURL).GetStatus(commandContext(cmd))
	if err != nil {
		return err
	}
	printStatus(cmd, st)
	return nil
}

func runReconnect(cmd *cobra.Command, args []string) error {
	st, err := metalsdesk.NewClient(serverURL).Reconnect(commandContext(cmd))
	if err != nil {
		return err
	}
	printStatus(cmd, st)
	return nil
}

func runQuote(cmd *cobra.Command, args []string) error {
	results, err := metalsdesk.NewClient(serverURL).GetLatestMany(commandContext(cmd), args...)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tPRICE\tCHANGE\tCHANGE%\tTIME")
	for _, r := range results {
		if r.Quote == nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", r.Code, r.Error)
			continue
		}
		q := r.Quote
		fmt.Fprintf(w, "%s\t%.2f\t%+.2f\t%+.2f\t%s\n", r.Code, q.Price, q.Change, q.ChangePct, q.Timestamp.UTC().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
