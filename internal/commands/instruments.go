package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"metalsdesk/internal/domain"
)

var instrumentsCmd = &cobra.Command{
	Use:   "instruments",
	Short: "Inspect registered instruments",
}

var listInstrumentsCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instruments",
	RunE:  runListInstruments,
}

var planCmd = &cobra.Command{
	Use:   "plan CODE",
	Short: "Show the vendor legs that price an instrument",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func init() {
	listInstrumentsCmd.Flags().String("category", "ALL", "filter by category (AH, CA, ZN, PB, NI, SN, ALL)")
	listInstrumentsCmd.Flags().String("search", "", "filter by code or description substring")

	instrumentsCmd.AddCommand(listInstrumentsCmd)
	instrumentsCmd.AddCommand(planCmd)
	rootCmd.AddCommand(instrumentsCmd)
}

func runListInstruments(cmd *cobra.Command, args []string) error {
	catFlag, _ := cmd.Flags().GetString("category")
	cat, err := domain.ParseCategory(catFlag)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	list := a.Registry.List(cat)
	if q, _ := cmd.Flags().GetString("search"); q != "" {
		found := make(map[string]bool)
		for _, inst := range a.Registry.Search(q) {
			found[inst.Code] = true
		}
		filtered := list[:0]
		for _, inst := range list {
			if found[inst.Code] {
				filtered = append(filtered, inst)
			}
		}
		list = filtered
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tKIND\tCATEGORY\tSOURCE\tDESCRIPTION")
	for _, inst := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", inst.Code, inst.Kind, inst.Category, source(inst), inst.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d instruments\n", len(list))
	return nil
}

// source renders the vendor code of a Raw instrument or the legs of a
// derived one.
func source(inst domain.Instrument) string {
	if inst.Kind == domain.KindRaw {
		return inst.VendorCode
	}
	parts := make([]string, len(inst.Legs))
	for i, l := range inst.Legs {
		parts[i] = fmt.Sprintf("%g*%s", l.Weight, l.Code)
	}
	return strings.Join(parts, " + ")
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	plan, err := a.Registry.Resolve(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", plan.Code, plan.Kind)
	for _, leg := range plan.Legs {
		fmt.Fprintf(out, "  %+g  %s\n", leg.Weight, leg.VendorCode)
	}
	return nil
}
