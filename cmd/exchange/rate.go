package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"exchange/internal/domain"
	"exchange/internal/rates"
)

func newRateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rate CODE [yyyy-mm-dd]",
		Short: "Look up one PLN exchange rate and exit",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, ok := domain.NormalizeCurrency(args[0])
			if !ok {
				return fmt.Errorf("%w: %q", domain.ErrInvalidCurrency, args[0])
			}
			provider := newRateProvider(opts.cfg, opts.logger)

			if len(args) == 2 {
				date, err := rates.ParseDate(args[1])
				if err != nil {
					return fmt.Errorf("invalid date %q, use yyyy-mm-dd", args[1])
				}
				rate, err := provider.GetHistoricalRate(cmd.Context(), code, date)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "1 %s = %s PLN on %s\n", code, rate, date.Format(rates.DateLayout))
				return nil
			}

			rate, err := provider.GetRate(cmd.Context(), code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "1 %s = %s PLN\n", code, rate)
			return nil
		},
	}
}
