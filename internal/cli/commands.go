package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/stocksim/ledger-engine/internal/ledger"
	"github.com/stocksim/ledger-engine/internal/market"
	"github.com/stocksim/ledger-engine/internal/model"
)

func (a *app) quotesCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "quotes",
		Short: "List the simulated market's quotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := market.NewSimulator()
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tCOMPANY\tPRICE\tCHANGE\t%")
			for _, q := range sim.Search(query) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					q.Symbol, q.CompanyName,
					formatMoney(q.Price, currency),
					formatSigned(q.Change, currency),
					formatPercent(q.ChangePercent),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&query, "search", "s", "", "filter by symbol or company name")
	return cmd
}

func (a *app) tradeCmd(verb string) *cobra.Command {
	side := model.Side(strings.ToUpper(verb))
	return &cobra.Command{
		Use:   verb + " <symbol> <quantity>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " shares at the current price",
		Args:  cobra.ExactArgs(2),
		RunE: a.withLedger(func(cmd *cobra.Command, args []string) error {
			qty, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("%w: %q", ledger.ErrInvalidQuantity, args[1])
			}
			n, err := ledger.ParseQuantity(qty)
			if err != nil {
				return err
			}

			rec, err := a.ledger.ExecuteTrade(cmd.Context(), args[0], n, side)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %d %s @ %s = %s (trade %s)\n",
				rec.Side, rec.Quantity, rec.Symbol,
				formatMoney(rec.Price, currency),
				formatMoney(rec.Total, currency),
				rec.ID,
			)
			fmt.Fprintf(a.out, "cash: %s\n", formatMoney(a.ledger.CashBalance(), currency))
			return nil
		}),
	}
}

func (a *app) portfolioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio",
		Short: "Show positions and account value",
		Args:  cobra.NoArgs,
		RunE: a.withLedger(func(cmd *cobra.Command, args []string) error {
			if err := a.ledger.RevaluePositions(cmd.Context(), a.market); err != nil {
				return err
			}
			sum := a.ledger.Aggregate()

			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tQTY\tAVG COST\tPRICE\tVALUE\tGAIN/LOSS\t%")
			for _, p := range sum.Positions {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					p.Symbol, p.Quantity,
					formatMoney(p.AverageCost, currency),
					formatMoney(p.CurrentPrice, currency),
					formatMoney(p.TotalValue, currency),
					formatSigned(p.GainLoss, currency),
					formatPercent(p.PercentGainLoss),
				)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(a.out, "\npositions: %s  gain/loss: %s (%s)\n",
				formatMoney(sum.TotalValue, currency),
				formatSigned(sum.TotalGainLoss, currency),
				formatPercent(sum.PercentGainLoss),
			)
			fmt.Fprintf(a.out, "cash:      %s\n", formatMoney(sum.CashBalance, currency))
			fmt.Fprintf(a.out, "net worth: %s\n", formatMoney(sum.NetWorth, currency))
			return nil
		}),
	}
}

func (a *app) tradesCmd() *cobra.Command {
	var filter ledger.TradeFilter
	var side string
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List the trade log, oldest first",
		Args:  cobra.NoArgs,
		RunE: a.withLedger(func(cmd *cobra.Command, args []string) error {
			if side != "" {
				filter.Side = model.Side(strings.ToUpper(side))
				if !filter.Side.Valid() {
					return ledger.ErrInvalidSide
				}
			}
			trades := a.ledger.Trades(filter)
			if len(trades) == 0 {
				fmt.Fprintln(a.out, "no trades")
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSIDE\tSYMBOL\tQTY\tPRICE\tTOTAL\tID")
			for _, t := range trades {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					t.Timestamp.Format("2006-01-02 15:04:05"),
					t.Side, t.Symbol, t.Quantity,
					formatMoney(t.Price, currency),
					formatMoney(t.Total, currency),
					t.ID,
				)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVar(&filter.Symbol, "symbol", "", "only trades in this symbol")
	cmd.Flags().StringVar(&side, "side", "", "only BUY or SELL trades")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 0, "show only the most recent N trades")
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard all positions and trades and restore the starting balance",
		Args:  cobra.NoArgs,
		RunE: a.withLedger(func(cmd *cobra.Command, args []string) error {
			if err := a.ledger.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "account %s reset to %s\n", a.accountID, formatMoney(a.ledger.CashBalance(), currency))
			return nil
		}),
	}
}
