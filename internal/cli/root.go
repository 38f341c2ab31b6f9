// Package cli implements ledgerctl, a command-line front end that trades a
// single local account against the simulated market, with the ledger kept
// in a SQLite file.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stocksim/ledger-engine/internal/config"
	"github.com/stocksim/ledger-engine/internal/ledger"
	"github.com/stocksim/ledger-engine/internal/market"
	"github.com/stocksim/ledger-engine/internal/store"
)

const currency = "USD"

// app holds the state shared by every subcommand for one invocation.
type app struct {
	dbPath    string
	accountID string
	cfgFile   string

	out    io.Writer
	market *market.Simulator
	store  *store.SQLiteStore
	ledger *ledger.Engine
}

// NewRootCmd builds the ledgerctl command tree writing to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Trade a local paper account against the simulated market",
		Long: `ledgerctl keeps one paper-trading account in a SQLite file and trades it
against the simulator's opening prices.

Examples:
  ledgerctl quotes
  ledgerctl buy AAPL 10
  ledgerctl sell AAPL 5
  ledgerctl portfolio
  ledgerctl trades --symbol AAPL --limit 5`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	root.PersistentFlags().StringVarP(&a.dbPath, "db", "d", "./ledger.db", "path to the SQLite ledger file")
	root.PersistentFlags().StringVarP(&a.accountID, "account", "a", "local", "account id")
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (YAML or JSON)")

	root.AddCommand(
		a.quotesCmd(),
		a.tradeCmd("buy"),
		a.tradeCmd("sell"),
		a.portfolioCmd(),
		a.tradesCmd(),
		a.resetCmd(),
	)
	return root
}

// Execute runs ledgerctl with the process arguments.
func Execute(out io.Writer) error {
	return NewRootCmd(out).Execute()
}

// open loads config and opens the store and ledger. Commands that need the
// ledger call it from RunE and defer close.
func (a *app) open(ctx context.Context) error {
	cfg := config.Default()
	if a.cfgFile != "" {
		loaded, err := config.Load(a.cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	balance, err := cfg.StartingBalance()
	if err != nil {
		return err
	}

	mcfg := market.DefaultConfig()
	mcfg.Seed = cfg.Market.Seed
	a.market = market.NewSimulatorWithConfig(mcfg)

	st, err := store.OpenSQLite(a.dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	eng, err := ledger.Open(ctx, ledger.Options{
		AccountID:       a.accountID,
		StartingBalance: balance,
		Prices:          a.market,
		Store:           st,
		CompanyName: func(sym string) string {
			q, _ := a.market.Quote(sym)
			return q.CompanyName
		},
	})
	if err != nil {
		st.Close()
		return err
	}
	a.store = st
	a.ledger = eng
	return nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

// withLedger wraps a RunE that needs an open ledger.
func (a *app) withLedger(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.open(cmd.Context()); err != nil {
			return err
		}
		defer a.close()
		return run(cmd, args)
	}
}
