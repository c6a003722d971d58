package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

type metadata struct {
	dial    dialFunc
	timeout time.Duration
	verbose bool
	e       io.Writer
	w       io.Writer
}

func main() {
	app := newApp(dialServer, os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp(dial dialFunc, w, e io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "finledger-cli"
	app.Usage = "operate a FinLedger service"
	app.Version = version
	app.HideVersion = true

	app.Writer = w
	app.ErrWriter = e

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " verbose result",
		},
		cli.StringFlag{
			Name:   "connect, c",
			Value:  "localhost:9090",
			EnvVar: "FIN_GRPC_ADDR",
			Usage:  " gRPC endpoint `HOST:PORT`",
		},
		cli.StringFlag{
			Name:   "token, t",
			EnvVar: "FIN_TOKEN",
			Usage:  " bearer `JWT`; minted from --secret and --caller when empty",
		},
		cli.StringFlag{
			Name:   "secret",
			EnvVar: "FIN_JWT_SECRET",
			Usage:  " HS256 signing `SECRET`",
		},
		cli.StringFlag{
			Name:   "caller",
			EnvVar: "FIN_CALLER",
			Usage:  " caller `IDENTITY` for minted tokens",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: " per-call `DURATION`",
		},
	}

	keyFlag := cli.StringFlag{
		Name:  "key, k",
		Usage: " idempotency `KEY` (default: random UUID)",
	}
	taxFlag := cli.StringFlag{
		Name:  "tax",
		Usage: " explicit tax `AMOUNT` (default: computed by the ledger)",
	}

	app.Commands = []cli.Command{
		{
			Name:      "token",
			Usage:     "mint a bearer token",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "subject, s",
					Usage: "*caller `IDENTITY` the token asserts",
				},
				cli.DurationFlag{
					Name:  "ttl",
					Value: 24 * time.Hour,
					Usage: " token lifetime `DURATION`, 0 = no expiry",
				},
			},
			Action: runToken,
		},
		{
			Name:      "deposit",
			Usage:     "credit an account from an external source",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "from, f", Usage: "*external `SOURCE`"},
				cli.StringFlag{Name: "to", Usage: "*`ACCOUNT` to credit"},
				cli.StringFlag{Name: "amount, a", Usage: "*`AMOUNT` in base units"},
				cli.StringFlag{Name: "txn-hash", Usage: " external transaction `REF`"},
			},
			Action: runDeposit,
		},
		{
			Name:      "transfer",
			Usage:     "move value between accounts",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag, taxFlag,
				cli.StringFlag{Name: "from, f", Usage: "*source `ACCOUNT`"},
				cli.StringFlag{Name: "to", Usage: "*destination `ACCOUNT`"},
				cli.StringFlag{Name: "amount, a", Usage: "*`AMOUNT` in base units"},
			},
			Action: runTransfer,
		},
		{
			Name:      "operator-transfer",
			Usage:     "move value out of a handled account as an operator; the tax is deducted from the amount",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag, taxFlag,
				cli.StringFlag{Name: "from, f", Usage: "*handled source `ACCOUNT`"},
				cli.StringFlag{Name: "to", Usage: "*destination `ACCOUNT`"},
				cli.StringFlag{Name: "amount, a", Usage: "*`AMOUNT` in base units"},
			},
			Action: runOperatorTransfer,
		},
		{
			Name:      "batch-transfer",
			Usage:     "move value from one account to several",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "from, f", Usage: "*source `ACCOUNT`"},
				cli.StringFlag{Name: "to", Usage: "*comma-separated destination `ACCOUNTS`"},
				cli.StringFlag{Name: "amounts, a", Usage: "*comma-separated `AMOUNTS`, one per destination"},
				cli.StringFlag{Name: "taxes", Usage: " comma-separated tax `AMOUNTS`"},
			},
			Action: runBatchTransfer,
		},
		{
			Name:      "withdraw",
			Usage:     "debit an account to an external destination",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag, taxFlag,
				cli.StringFlag{Name: "from, f", Usage: "*`ACCOUNT` to debit"},
				cli.StringFlag{Name: "external-to", Usage: "*external `DESTINATION`"},
				cli.StringFlag{Name: "amount, a", Usage: "*`AMOUNT` in base units"},
				cli.StringFlag{Name: "ref", Usage: " journal `REF`"},
			},
			Action: runWithdraw,
		},
		{
			Name:      "reserve",
			Usage:     "move value from balance to reservation",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "account", Usage: "*`ACCOUNT`"},
				cli.StringFlag{Name: "amount, a", Usage: "*`AMOUNT` in base units"},
			},
			Action: runReserve,
		},
		{
			Name:      "settle",
			Usage:     "pay out of a reservation",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag, taxFlag,
				cli.StringFlag{Name: "from, f", Usage: "*reserving `ACCOUNT`"},
				cli.StringFlag{Name: "to", Usage: "*recipient `ACCOUNT`"},
				cli.StringFlag{Name: "amount, a", Usage: "*`AMOUNT` in base units"},
			},
			Action: runSettle,
		},
		{
			Name:      "cancel",
			Usage:     "return reserved value to the balance",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "account", Usage: "*`ACCOUNT`"},
				cli.StringFlag{Name: "amount, a", Usage: "*`AMOUNT` in base units"},
			},
			Action: runCancel,
		},
		{
			Name:      "set-balance",
			Usage:     "overwrite an account balance",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "account", Usage: "*`ACCOUNT`"},
				cli.StringFlag{Name: "value", Usage: "*new balance `AMOUNT`"},
			},
			Action: runSetBalance,
		},
		{
			Name:      "set-reservation",
			Usage:     "overwrite an account reservation",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "account", Usage: "*`ACCOUNT`"},
				cli.StringFlag{Name: "value", Usage: "*new reservation `AMOUNT`"},
			},
			Action: runSetReservation,
		},
		{
			Name:      "change-tax",
			Usage:     "set the tax rate numerator/(100*10^shift)",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.Uint64Flag{Name: "numerator", Usage: "*rate `NUMERATOR`"},
				cli.UintFlag{Name: "shift", Usage: " decimal `SHIFT`"},
			},
			Action: runChangeTax,
		},
		{
			Name:      "grant",
			Usage:     "grant a role",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "member, m", Usage: "*caller `IDENTITY`"},
				cli.StringFlag{Name: "role", Value: "admin", Usage: " `ROLE`"},
			},
			Action: runGrant,
		},
		{
			Name:      "revoke",
			Usage:     "revoke a role",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				keyFlag,
				cli.StringFlag{Name: "member, m", Usage: "*caller `IDENTITY`"},
				cli.StringFlag{Name: "role", Value: "admin", Usage: " `ROLE`"},
			},
			Action: runRevoke,
		},
		{
			Name:  "vesting",
			Usage: "manage the team vesting program",
			Subcommands: []cli.Command{
				{
					Name:      "add",
					Usage:     "reserve an allocation and schedule its release",
					ArgsUsage: "\n   (* = required)",
					Flags: []cli.Flag{
						keyFlag,
						cli.StringFlag{Name: "member, m", Usage: "*team member `ACCOUNT`"},
						cli.StringFlag{Name: "funder", Usage: "*funding `ACCOUNT`"},
						cli.StringFlag{Name: "amount, a", Usage: "*allocation `AMOUNT` in base units"},
					},
					Action: runVestingAdd,
				},
				{
					Name:      "withdraw",
					Usage:     "release the next due drop",
					ArgsUsage: "\n   (* = required)",
					Flags: []cli.Flag{
						keyFlag,
						cli.StringFlag{Name: "member, m", Usage: "*team member `ACCOUNT`"},
					},
					Action: runVestingWithdraw,
				},
				{
					Name:   "terminate",
					Usage:  "close the program once every drop is paid",
					Flags:  []cli.Flag{keyFlag},
					Action: runVestingTerminate,
				},
				{
					Name:      "show",
					Usage:     "show a member's schedule, or the program totals",
					ArgsUsage: "[MEMBER]",
					Action:    runVestingShow,
				},
			},
		},
		{
			Name:      "account",
			Usage:     "show balance and reservation",
			ArgsUsage: "ACCOUNT",
			Action:    runAccount,
		},
		{
			Name:   "tax",
			Usage:  "show the tax configuration",
			Action: runTax,
		},
		{
			Name:      "events",
			Usage:     "list ledger events of an account, newest first",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "account", Usage: "*`ACCOUNT`"},
				cli.IntFlag{Name: "limit, l", Usage: " page `SIZE`"},
				cli.Int64Flag{Name: "before", Usage: " only events before `SEQUENCE`"},
			},
			Action: runEvents,
		},
		{
			Name:      "journal",
			Usage:     "list journal entries of an account, newest first",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "account", Usage: "*`ACCOUNT`"},
				cli.IntFlag{Name: "limit, l", Usage: " page `SIZE`"},
				cli.Int64Flag{Name: "before", Usage: " only entries before `SEQUENCE`"},
			},
			Action: runJournal,
		},
		{
			Name:   "verify",
			Usage:  "audit the hash chain and projected supply",
			Action: runVerify,
		},
		{
			Name:   "status",
			Usage:  "show sequence, state hash and supply",
			Action: runStatus,
		},
		{
			Name: "version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", version)
				return nil
			},
		},
	}

	app.Before = func(c *cli.Context) error {
		c.App.Metadata = map[string]interface{}{
			"config": &metadata{
				dial:    dial,
				timeout: c.GlobalDuration("timeout"),
				verbose: c.GlobalBool("verbose"),
				e:       c.App.ErrWriter,
				w:       c.App.Writer,
			},
		}
		return nil
	}

	return app
}
