package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xraph/credit/tier"
)

func newCatalogCmd(cfg *daemonConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the tier catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat := tier.Default()
			if cfg.CatalogFile != "" {
				var err error
				if cat, err = loadCatalog(cfg.CatalogFile); err != nil {
					return err
				}
			}
			return printCatalog(cmd.OutOrStdout(), cat)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check a YAML tier catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadCatalog(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})

	return cmd
}

func loadCatalog(path string) (*tier.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	return tier.LoadYAML(f)
}

func printCatalog(w io.Writer, cat *tier.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "TIER\tNAME\tMONTHLY CREDITS")
	for _, d := range cat.Tiers() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Tier, d.Name, d.MonthlyAllotment)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "FEATURE\tMIN TIER\tCOST AT MIN TIER")
	for _, f := range cat.Features() {
		minTier, _ := cat.MinimumTier(f)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f, minTier, cat.CostOf(f, minTier))
	}

	return tw.Flush()
}
