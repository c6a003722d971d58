package main

import (
	"FinLedger/internal/command"
	"FinLedger/internal/ledger"
	"FinLedger/internal/query"
	"FinLedger/internal/server"
	"FinLedger/internal/vesting"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli"
)

// ledgerClient is the part of server.Client the commands use.
type ledgerClient interface {
	Submit(ctx context.Context, cmd command.Command) (*server.CommandResponse, error)
	GetAccount(ctx context.Context, account string) (*server.AccountResponse, error)
	GetTax(ctx context.Context) (*server.TaxResponse, error)
	GetStatus(ctx context.Context) (*server.StatusResponse, error)
	GetVesting(ctx context.Context, member string) (*server.VestingResponse, error)
	ListEvents(ctx context.Context, req *server.ListEventsRequest) (*server.ListEventsResponse, error)
	ListJournal(ctx context.Context, req *server.ListEventsRequest) (*server.ListJournalResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
	Close() error
}

type dialFunc func(addr, token string) (ledgerClient, error)

func dialServer(addr, token string) (ledgerClient, error) {
	client, err := server.Dial(addr, token)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func config(c *cli.Context) *metadata {
	return c.App.Metadata["config"].(*metadata)
}

// connect dials the server with --token, or with a short-lived token
// minted from --secret and --caller.
func connect(c *cli.Context) (ledgerClient, error) {
	m := config(c)
	token := c.GlobalString("token")
	if token == "" {
		secret, caller := c.GlobalString("secret"), c.GlobalString("caller")
		if secret == "" || caller == "" {
			return nil, fmt.Errorf("either --token or both --secret and --caller are required")
		}
		var err error
		if token, err = server.IssueToken([]byte(secret), caller, m.timeout*6); err != nil {
			return nil, err
		}
	}

	addr := c.GlobalString("connect")
	if m.verbose {
		fmt.Fprintf(m.e, "connect: %s\n", addr)
	}
	return m.dial(addr, token)
}

func required(c *cli.Context, names ...string) error {
	for _, name := range names {
		if c.String(name) == "" {
			return fmt.Errorf("--%s is required", name)
		}
	}
	return nil
}

func header(c *cli.Context) command.Header {
	key := c.String("key")
	if key == "" {
		key = uuid.New().String()
	}
	return command.Header{IdempotencyKey: key}
}

// splitList splits a comma-separated flag value, keeping empty items so
// a misaligned list is rejected by the ledger rather than silently shifted.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	items := strings.Split(s, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	return items
}

func printJson(handle io.Writer, message interface{}) error {
	b, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(handle, "%s\n", b)
	return nil
}

// submit sends cmd and prints the server's response.
func submit(c *cli.Context, cmd command.Command) error {
	m := config(c)
	client, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Close()

	if m.verbose {
		fmt.Fprintf(m.e, "%s: idempotency key %s\n", cmd.Type(), cmd.Meta().IdempotencyKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	resp, err := client.Submit(ctx, cmd)
	if err != nil {
		return err
	}
	return printJson(m.w, resp)
}

// fetch runs fn against a connected client and prints its result.
func fetch(c *cli.Context, fn func(ctx context.Context, client ledgerClient) (interface{}, error)) error {
	m := config(c)
	client, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	resp, err := fn(ctx, client)
	if err != nil {
		return err
	}
	return printJson(m.w, resp)
}

func runToken(c *cli.Context) error {
	subject := c.String("subject")
	if subject == "" {
		subject = c.GlobalString("caller")
	}
	if subject == "" {
		return fmt.Errorf("--subject is required")
	}
	secret := c.GlobalString("secret")
	if secret == "" {
		return fmt.Errorf("--secret is required")
	}

	token, err := server.IssueToken([]byte(secret), subject, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

func runDeposit(c *cli.Context) error {
	if err := required(c, "from", "to", "amount"); err != nil {
		return err
	}
	return submit(c, &command.Deposit{
		Header: header(c),
		DepositRequest: ledger.DepositRequest{
			ExternalFrom: c.String("from"),
			To:           c.String("to"),
			Amount:       c.String("amount"),
			TxnHash:      c.String("txn-hash"),
		},
	})
}

func runTransfer(c *cli.Context) error {
	if err := required(c, "from", "to", "amount"); err != nil {
		return err
	}
	return submit(c, &command.Transfer{
		Header: header(c),
		TransferRequest: ledger.TransferRequest{
			From:      c.String("from"),
			To:        c.String("to"),
			Amount:    c.String("amount"),
			TaxAmount: c.String("tax"),
		},
	})
}

func runOperatorTransfer(c *cli.Context) error {
	if err := required(c, "from", "to", "amount"); err != nil {
		return err
	}
	return submit(c, &command.OperatorTransfer{
		Header: header(c),
		TransferRequest: ledger.TransferRequest{
			From:      c.String("from"),
			To:        c.String("to"),
			Amount:    c.String("amount"),
			TaxAmount: c.String("tax"),
		},
	})
}

func runBatchTransfer(c *cli.Context) error {
	if err := required(c, "from", "to", "amounts"); err != nil {
		return err
	}
	return submit(c, &command.BatchTransfer{
		Header: header(c),
		BatchTransferRequest: ledger.BatchTransferRequest{
			From:       c.String("from"),
			To:         splitList(c.String("to")),
			Amounts:    splitList(c.String("amounts")),
			TaxAmounts: splitList(c.String("taxes")),
		},
	})
}

func runWithdraw(c *cli.Context) error {
	if err := required(c, "from", "external-to", "amount"); err != nil {
		return err
	}
	return submit(c, &command.Withdrawal{
		Header: header(c),
		WithdrawalRequest: ledger.WithdrawalRequest{
			From:       c.String("from"),
			ExternalTo: c.String("external-to"),
			Amount:     c.String("amount"),
			TaxAmount:  c.String("tax"),
			JournalRef: c.String("ref"),
		},
	})
}

func runReserve(c *cli.Context) error {
	if err := required(c, "account", "amount"); err != nil {
		return err
	}
	return submit(c, &command.Reserve{
		Header:         header(c),
		ReserveRequest: ledger.ReserveRequest{Account: c.String("account"), Amount: c.String("amount")},
	})
}

func runSettle(c *cli.Context) error {
	if err := required(c, "from", "to", "amount"); err != nil {
		return err
	}
	return submit(c, &command.Settle{
		Header: header(c),
		SettleRequest: ledger.SettleRequest{
			From:      c.String("from"),
			To:        c.String("to"),
			Amount:    c.String("amount"),
			TaxAmount: c.String("tax"),
		},
	})
}

func runCancel(c *cli.Context) error {
	if err := required(c, "account", "amount"); err != nil {
		return err
	}
	return submit(c, &command.Cancel{
		Header:        header(c),
		CancelRequest: ledger.CancelRequest{Account: c.String("account"), Amount: c.String("amount")},
	})
}

func runSetBalance(c *cli.Context) error {
	if err := required(c, "account", "value"); err != nil {
		return err
	}
	return submit(c, &command.SetBalance{
		Header:            header(c),
		SetBalanceRequest: ledger.SetBalanceRequest{Account: c.String("account"), Balance: c.String("value")},
	})
}

func runSetReservation(c *cli.Context) error {
	if err := required(c, "account", "value"); err != nil {
		return err
	}
	return submit(c, &command.SetReservation{
		Header:                header(c),
		SetReservationRequest: ledger.SetReservationRequest{Account: c.String("account"), Reservation: c.String("value")},
	})
}

func runChangeTax(c *cli.Context) error {
	if !c.IsSet("numerator") {
		return fmt.Errorf("--numerator is required")
	}
	shift := c.Uint("shift")
	if shift > 255 {
		return fmt.Errorf("--shift %d out of range", shift)
	}
	return submit(c, &command.ChangeTax{
		Header:           header(c),
		ChangeTaxRequest: ledger.ChangeTaxRequest{Numerator: c.Uint64("numerator"), Shift: uint8(shift)},
	})
}

func runGrant(c *cli.Context) error {
	if err := required(c, "member"); err != nil {
		return err
	}
	return submit(c, &command.GrantRole{Header: header(c), Member: c.String("member"), Role: c.String("role")})
}

func runRevoke(c *cli.Context) error {
	if err := required(c, "member"); err != nil {
		return err
	}
	return submit(c, &command.RevokeRole{Header: header(c), Member: c.String("member"), Role: c.String("role")})
}

func runVestingAdd(c *cli.Context) error {
	if err := required(c, "member", "funder", "amount"); err != nil {
		return err
	}
	return submit(c, &command.AddVestingMember{
		Header: header(c),
		AddMemberRequest: vesting.AddMemberRequest{
			Member: c.String("member"),
			Funder: c.String("funder"),
			Amount: c.String("amount"),
		},
	})
}

func runVestingWithdraw(c *cli.Context) error {
	if err := required(c, "member"); err != nil {
		return err
	}
	return submit(c, &command.WithdrawVesting{Header: header(c), WithdrawRequest: vesting.WithdrawRequest{Member: c.String("member")}})
}

func runVestingTerminate(c *cli.Context) error {
	return submit(c, &command.TerminateVesting{Header: header(c)})
}

func runVestingShow(c *cli.Context) error {
	member := c.Args().First()
	return fetch(c, func(ctx context.Context, client ledgerClient) (interface{}, error) {
		return client.GetVesting(ctx, member)
	})
}

func runAccount(c *cli.Context) error {
	account := c.Args().First()
	if account == "" {
		return fmt.Errorf("ACCOUNT is required")
	}
	return fetch(c, func(ctx context.Context, client ledgerClient) (interface{}, error) {
		return client.GetAccount(ctx, account)
	})
}

func runTax(c *cli.Context) error {
	return fetch(c, func(ctx context.Context, client ledgerClient) (interface{}, error) {
		return client.GetTax(ctx)
	})
}

func runStatus(c *cli.Context) error {
	return fetch(c, func(ctx context.Context, client ledgerClient) (interface{}, error) {
		return client.GetStatus(ctx)
	})
}

func historyRequest(c *cli.Context) *server.ListEventsRequest {
	return &server.ListEventsRequest{
		Account:        c.String("account"),
		Limit:          c.Int("limit"),
		BeforeSequence: c.Int64("before"),
	}
}

func runEvents(c *cli.Context) error {
	if err := required(c, "account"); err != nil {
		return err
	}
	return fetch(c, func(ctx context.Context, client ledgerClient) (interface{}, error) {
		return client.ListEvents(ctx, historyRequest(c))
	})
}

func runJournal(c *cli.Context) error {
	if err := required(c, "account"); err != nil {
		return err
	}
	return fetch(c, func(ctx context.Context, client ledgerClient) (interface{}, error) {
		return client.ListJournal(ctx, historyRequest(c))
	})
}

// runVerify prints the integrity report and fails when it is unhealthy.
func runVerify(c *cli.Context) error {
	var report *query.IntegrityReport
	err := fetch(c, func(ctx context.Context, client ledgerClient) (interface{}, error) {
		var err error
		report, err = client.VerifyIntegrity(ctx)
		return report, err
	})
	if err != nil {
		return err
	}
	if !report.IsHealthy {
		return fmt.Errorf("ledger integrity check failed")
	}
	return nil
}
