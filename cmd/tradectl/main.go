// tradectl - operator CLI for the portfolio engine. It opens the configured
// store directly, so it should point at the same database as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/papertrade/portfolio-engine/internal/app"
	"github.com/papertrade/portfolio-engine/internal/config"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/symbol"
	"github.com/papertrade/portfolio-engine/internal/trade"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the flags shared by every subcommand.
type cli struct {
	configPath string
	asJSON     bool
	out        io.Writer
	logOut     io.Writer
}

func newRootCmd(out, logOut io.Writer) *cobra.Command {
	c := &cli{out: out, logOut: logOut}

	rootCmd := &cobra.Command{
		Use:           "tradectl",
		Short:         "Operate paper-trading accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultPath, "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(c.openCmd())
	rootCmd.AddCommand(c.tradeCmd(model.SideBuy))
	rootCmd.AddCommand(c.tradeCmd(model.SideSell))
	rootCmd.AddCommand(c.valueCmd())
	rootCmd.AddCommand(c.leaderboardCmd())
	rootCmd.AddCommand(c.historyCmd())
	rootCmd.AddCommand(c.quoteCmd())
	return rootCmd
}

// withApp loads config, wires the engine and runs fn against it.
func (c *cli) withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg, app.NewLogger(cfg.Logging, c.logOut))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) openCmd() *cobra.Command {
	var level int
	cmd := &cobra.Command{
		Use:   "open <user>",
		Short: "Open an account with the configured starting cash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				acct, err := a.Engine.OpenAccount(cmd.Context(), args[0], level)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(acct)
				}
				fmt.Fprintf(c.out, "opened %s (level %d) with %s\n", acct.UserID, acct.Level, model.DisplayUSD(acct.CashBalance))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&level, "level", "l", 0, "leaderboard tier")
	return cmd
}

func (c *cli) tradeCmd(side model.Side) *cobra.Command {
	verb := strings.ToLower(string(side))
	return &cobra.Command{
		Use:   verb + " <user> <symbol> <quantity>",
		Short: "Execute a market " + verb + " at the current quote",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("quantity %q: %w", args[2], trade.ErrInvalidQuantity)
			}
			return c.withApp(cmd, func(a *app.App) error {
				exec := a.Engine.Buy
				if side == model.SideSell {
					exec = a.Engine.Sell
				}
				res, err := exec(cmd.Context(), args[0], args[1], qty)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(res)
				}
				t := res.Trade
				fmt.Fprintf(c.out, "%s %d %s @ %s = %s, cash %s\n",
					t.Side, t.Quantity, t.Symbol, model.DisplayUSD(t.Price),
					model.DisplayUSD(t.Amount), model.DisplayUSD(t.CashAfter))
				if side == model.SideSell {
					fmt.Fprintf(c.out, "realized P&L %s\n", model.DisplayUSD(res.RealizedPnL))
				}
				return nil
			})
		},
	}
}

func (c *cli) valueCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "value <user>",
		Short: "Mark an account to market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				p := a.Valuation.Policy()
				if policy != "" {
					var err error
					if p, err = valuation.ParsePolicy(policy); err != nil {
						return err
					}
				}
				acct, err := a.Engine.GetAccount(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				v, err := a.Valuation.ValuateWith(cmd.Context(), acct, p)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(v)
				}

				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SYMBOL\tSHARES\tAVG COST\tPRICE\tVALUE\tSOURCE")
				for _, pos := range v.Positions {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", pos.Symbol, pos.Shares,
						model.DisplayUSD(pos.AverageCost), model.DisplayUSD(pos.Price),
						model.DisplayUSD(pos.MarketValue), pos.Source)
				}
				tw.Flush()
				fmt.Fprintf(c.out, "cash %s, total %s (%s)\n", model.DisplayUSD(v.Cash), model.DisplayUSD(v.TotalValue), v.Policy)
				if v.Partial {
					fmt.Fprintf(c.out, "partial: no price for %v\n", v.Indeterminate)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "missing-quote policy: stale_cost or indeterminate")
	return cmd
}

func (c *cli) leaderboardCmd() *cobra.Command {
	var level, limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the top accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				var filter *int
				if cmd.Flags().Changed("level") {
					filter = model.Level(level)
				}
				board, err := a.Ranker.Rank(cmd.Context(), filter, limit)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(board)
				}

				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RANK\tUSER\tLEVEL\tVALUE")
				for _, e := range board.Entries {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", e.Rank, e.UserID, e.Level, e.DisplayValue)
				}
				tw.Flush()
				if board.Approximate {
					fmt.Fprintln(c.out, "(approximate: built from a bounded scan)")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&level, "level", "l", 0, "only rank accounts of this tier")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of entries")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "List an account's trades, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				trades, err := a.Engine.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(trades)
				}

				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tSIDE\tSYMBOL\tQTY\tPRICE\tAMOUNT")
				for _, t := range trades {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", t.ExecutedAt.Format("2006-01-02 15:04:05"),
						t.Side, t.Symbol, t.Quantity, model.DisplayUSD(t.Price), model.DisplayUSD(t.Amount))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of trades")
	return cmd
}

func (c *cli) quoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Fetch the current price for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sym, err := symbol.Normalize(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(a *app.App) error {
				q, err := a.Quotes.GetPrice(cmd.Context(), sym)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(q)
				}
				fmt.Fprintf(c.out, "%s %s\n", q.Symbol, model.DisplayUSD(q.Price))
				return nil
			})
		},
	}
}
