package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"session_billing/internal/config"
	"session_billing/internal/models"
	"session_billing/internal/rates"
	"session_billing/internal/storage"
)

func newRatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Inspect and manage per-minute rates",
	}
	cmd.AddCommand(newRatesCheckCmd(), newRatesSetCmd())
	return cmd
}

func newRatesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <catalog.toml>",
		Short: "Validate a rate catalogue and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := rates.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			return printCatalog(cmd.OutOrStdout(), catalog)
		},
	}
}

func newRatesSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider> <chat|phone|video> <cents-per-minute>",
		Short: "Store a provider rate in Postgres",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionType := models.SessionType(args[1])
			if !sessionType.Valid() {
				return fmt.Errorf("unknown session type %q", args[1])
			}
			rate, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || rate <= 0 {
				return fmt.Errorf("rate must be a positive number of cents, got %q", args[2])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.BackendPostgres {
				return fmt.Errorf("rates set needs STORE_BACKEND=postgres, got %q", cfg.StoreBackend)
			}
			db, err := storage.NewDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.NewRateRepository().Upsert(cmd.Context(), args[0], sessionType, rate); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %d\n", args[0], sessionType, rate)
			return err
		},
	}
}

func printCatalog(out io.Writer, c *rates.Catalog) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tTYPE\tCENTS/MIN")
	writeTable(w, "(default)", c.Default)

	providers := make([]string, 0, len(c.Providers))
	for p := range c.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		writeTable(w, p, c.Providers[p])
	}
	return w.Flush()
}

func writeTable(w io.Writer, provider string, table map[string]int64) {
	types := make([]string, 0, len(table))
	for t := range table {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "%s\t%s\t%d\n", provider, t, table[t])
	}
}
