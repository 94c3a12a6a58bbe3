package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"referral-dapp/internal/auth"
	"referral-dapp/internal/config"
	"referral-dapp/sdk/go/referral"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "referralctl:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "referralctl",
		Usage:     "inspect the referral dashboard and submit sign-up or withdraw transactions",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", EnvVars: []string{"REFERRAL_SERVER"}, Usage: "referrald base URL"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"REFERRAL_TOKEN"}, Usage: "bearer token for write requests"},
			&cli.DurationFlag{Name: "timeout", Value: 15 * time.Second, Usage: "HTTP request timeout"},
		},
		Commands: []*cli.Command{
			{
				Name:  "dashboard",
				Usage: "show every contract read for an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Usage: "account to inspect; defaults to the server wallet"},
					&cli.BoolFlag{Name: "json", Usage: "print the raw view"},
				},
				Action: dashboardAction,
			},
			{
				Name:  "signup",
				Usage: "sign up under a referrer, paying the loaded fee",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "referrer", Required: true, Usage: "0x-prefixed referrer address"},
					&cli.BoolFlag{Name: "wait", Usage: "wait until the transaction settles"},
				},
				Action: func(c *cli.Context) error {
					client, err := newClient(c)
					if err != nil {
						return err
					}
					tx, err := client.SignUp(c.Context, c.String("referrer"))
					if err != nil {
						return describe(err)
					}
					return settle(c, client, tx)
				},
			},
			{
				Name:  "withdraw",
				Usage: "withdraw the connected account's earnings",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "wait until the transaction settles"},
				},
				Action: func(c *cli.Context) error {
					client, err := newClient(c)
					if err != nil {
						return err
					}
					tx, err := client.Withdraw(c.Context)
					if err != nil {
						return describe(err)
					}
					return settle(c, client, tx)
				},
			},
			{
				Name:  "tx",
				Usage: "inspect tracked transactions",
				Subcommands: []*cli.Command{
					{
						Name:      "get",
						Usage:     "show one transaction",
						ArgsUsage: "ID",
						Action: func(c *cli.Context) error {
							id := c.Args().First()
							if id == "" {
								return cli.Exit("transaction ID required", 2)
							}
							client, err := newClient(c)
							if err != nil {
								return err
							}
							tx, err := client.GetTransaction(c.Context, id)
							if err != nil {
								return describe(err)
							}
							return printJSON(c.App.Writer, tx)
						},
					},
					{
						Name:  "list",
						Usage: "list transactions, newest first",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Value: 20},
							&cli.IntFlag{Name: "offset"},
							&cli.StringSliceFlag{Name: "status", Usage: "pending, submitted, confirmed or failed"},
							&cli.StringSliceFlag{Name: "kind", Usage: "signUp or withdraw"},
							&cli.StringFlag{Name: "account"},
							&cli.BoolFlag{Name: "stats", Usage: "print counts instead of records"},
						},
						Action: listAction,
					},
					{
						Name:      "wait",
						Usage:     "poll until a transaction is confirmed or failed",
						ArgsUsage: "ID",
						Flags: []cli.Flag{
							&cli.DurationFlag{Name: "interval", Value: 2 * time.Second},
						},
						Action: func(c *cli.Context) error {
							id := c.Args().First()
							if id == "" {
								return cli.Exit("transaction ID required", 2)
							}
							client, err := newClient(c)
							if err != nil {
								return err
							}
							return wait(c, client, id)
						},
					},
				},
			},
			{
				Name:  "token",
				Usage: "issue a write token signed with REFERRAL_AUTH_SECRET",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Value: "operator"},
					&cli.StringFlag{Name: "secret", EnvVars: []string{"REFERRAL_AUTH_SECRET"}, Required: true},
					&cli.StringFlag{Name: "issuer", Value: "referrald"},
					&cli.IntFlag{Name: "ttl-minutes", Value: 60},
				},
				Action: func(c *cli.Context) error {
					svc, err := auth.NewService(config.AuthConfig{
						Enabled:         true,
						Secret:          c.String("secret"),
						Issuer:          c.String("issuer"),
						TokenTTLMinutes: c.Int("ttl-minutes"),
					})
					if err != nil {
						return err
					}
					token, expires, err := svc.Issue(c.String("subject"), auth.ScopeWrite)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, map[string]any{"access_token": token, "expires_at": expires})
				},
			},
		},
	}
}

func newClient(c *cli.Context) (*referral.Client, error) {
	client, err := referral.NewClient(c.String("server"), &http.Client{Timeout: c.Duration("timeout")})
	if err != nil {
		return nil, err
	}
	if token := c.String("token"); token != "" {
		client.SetAccessToken(token)
	}
	return client, nil
}

func dashboardAction(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	view, err := client.Dashboard(c.Context, c.String("account"))
	if err != nil {
		return describe(err)
	}
	if c.Bool("json") {
		return printJSON(c.App.Writer, view)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Contract\t%s\n", view.Contract)
	fmt.Fprintf(w, "Account\t%s\n", orDash(view.Account))
	fmt.Fprintf(w, "Wallet\t%s\n", view.Wallet.Kind)
	rows := []struct {
		label string
		field referral.Field
	}{
		{"Sign-up fee", view.Fee},
		{"Total users", view.TotalUsers},
		{"Signed up", view.SignedUp},
		{"Total earned", view.TotalEarned},
		{"Withdrawable", view.Withdrawable},
		{"Upline", view.Upline},
		{"Downline", view.Downline},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\n", row.label, fieldText(row.field))
	}
	fmt.Fprintf(w, "%s\t%s\n", view.SignUp.Label, controlText(view.SignUp))
	fmt.Fprintf(w, "%s\t%s\n", view.Withdraw.Label, controlText(view.Withdraw))
	return w.Flush()
}

func listAction(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	filter := referral.ListFilter{
		Limit:    c.Int("limit"),
		Offset:   c.Int("offset"),
		Statuses: c.StringSlice("status"),
		Kinds:    c.StringSlice("kind"),
		Account:  c.String("account"),
	}
	if c.Bool("stats") {
		stats, err := client.TransactionStats(c.Context, filter)
		if err != nil {
			return describe(err)
		}
		return printJSON(c.App.Writer, stats)
	}
	txs, err := client.ListTransactions(c.Context, filter)
	if err != nil {
		return describe(err)
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tHASH\tUPDATED")
	for _, tx := range txs {
		updated := time.UnixMilli(tx.UpdatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", tx.ID, tx.Kind, tx.Status, orDash(tx.Hash), updated)
	}
	return w.Flush()
}

func settle(c *cli.Context, client *referral.Client, tx referral.Transaction) error {
	if !c.Bool("wait") {
		return printJSON(c.App.Writer, tx)
	}
	return wait(c, client, tx.ID)
}

func wait(c *cli.Context, client *referral.Client, id string) error {
	interval := c.Duration("interval")
	if interval <= 0 {
		interval = 2 * time.Second
	}
	tx, err := client.WaitForTransaction(c.Context, id, interval)
	if err != nil {
		return describe(err)
	}
	if err := printJSON(c.App.Writer, tx); err != nil {
		return err
	}
	if tx.Status == referral.StatusFailed {
		return cli.Exit("transaction failed: "+tx.ErrorCode, 1)
	}
	return nil
}

// describe 优先展示服务端返回的提示文本。
func describe(err error) error {
	if apiErr, ok := referral.AsAPIError(err); ok {
		msg := apiErr.Message
		if apiErr.Alert != "" {
			msg = apiErr.Alert
		}
		return cli.Exit(fmt.Sprintf("%s (%s)", msg, apiErr.Code), 1)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cli.Exit("timed out waiting for the server", 1)
	}
	return err
}

func fieldText(f referral.Field) string {
	switch f.State {
	case "loading":
		return "Loading..."
	case "failed":
		return f.Display + " (read failed: " + f.Error + ")"
	default:
		return orDash(f.Display)
	}
}

func controlText(ctl referral.Control) string {
	state := "disabled"
	if ctl.Enabled {
		state = "enabled"
	}
	if ctl.Notice != "" {
		state += ", " + ctl.Notice
	}
	return state
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
