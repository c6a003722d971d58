package main

import (
	"FinLedger/internal/command"
	"FinLedger/internal/query"
	"FinLedger/internal/server"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	submitted []command.Command
	events    *server.ListEventsRequest
	account   string
	broken    bool
	closed    bool
}

func (f *fakeClient) Submit(_ context.Context, cmd command.Command) (*server.CommandResponse, error) {
	f.submitted = append(f.submitted, cmd)
	return &server.CommandResponse{Sequence: int64(len(f.submitted)), StateHash: "ab"}, nil
}

func (f *fakeClient) GetAccount(_ context.Context, account string) (*server.AccountResponse, error) {
	f.account = account
	return &server.AccountResponse{Account: account, Balance: "10", Reserved: "0", Sequence: 3}, nil
}

func (f *fakeClient) GetTax(context.Context) (*server.TaxResponse, error) {
	return &server.TaxResponse{Numerator: 1, Recipient: "treasury", MaxPercent: 3, MaxShift: 5}, nil
}

func (f *fakeClient) GetStatus(context.Context) (*server.StatusResponse, error) {
	return &server.StatusResponse{Sequence: 3, Issued: "10"}, nil
}

func (f *fakeClient) GetVesting(_ context.Context, member string) (*server.VestingResponse, error) {
	f.account = member
	return &server.VestingResponse{Allocated: "40", Remaining: "40"}, nil
}

func (f *fakeClient) ListEvents(_ context.Context, req *server.ListEventsRequest) (*server.ListEventsResponse, error) {
	f.events = req
	return &server.ListEventsResponse{}, nil
}

func (f *fakeClient) ListJournal(_ context.Context, req *server.ListEventsRequest) (*server.ListJournalResponse, error) {
	f.events = req
	return &server.ListJournalResponse{}, nil
}

func (f *fakeClient) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: !f.broken, HashChainBreaks: f.breaks()}, nil
}

func (f *fakeClient) breaks() []int64 {
	if f.broken {
		return []int64{4}
	}
	return nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type harness struct {
	client *fakeClient
	addr   string
	token  string
	out    bytes.Buffer
	errOut bytes.Buffer
}

func (h *harness) run(args ...string) error {
	app := newApp(func(addr, token string) (ledgerClient, error) {
		h.addr, h.token = addr, token
		return h.client, nil
	}, &h.out, &h.errOut)
	return app.Run(append([]string{"finledger-cli"}, args...))
}

func newHarness() *harness {
	return &harness{client: &fakeClient{}}
}

func TestSubmitCommands(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cmd command.Command)
	}{
		{
			"deposit",
			[]string{"deposit", "--key", "d1", "--from", "bank", "--to", "alice", "--amount", "1000", "--txn-hash", "0x1"},
			func(t *testing.T, cmd command.Command) {
				d := cmd.(*command.Deposit)
				assert.Equal(t, "d1", d.IdempotencyKey)
				assert.Equal(t, "bank", d.ExternalFrom)
				assert.Equal(t, "alice", d.To)
				assert.Equal(t, "1000", d.Amount)
				assert.Equal(t, "0x1", d.TxnHash)
			},
		},
		{
			"transfer with tax",
			[]string{"transfer", "-f", "alice", "--to", "bob", "-a", "100", "--tax", "2"},
			func(t *testing.T, cmd command.Command) {
				tr := cmd.(*command.Transfer)
				assert.Equal(t, "alice", tr.From)
				assert.Equal(t, "2", tr.TaxAmount)
				assert.NotEmpty(t, tr.IdempotencyKey, "random key")
			},
		},
		{
			"batch transfer",
			[]string{"batch-transfer", "--from", "alice", "--to", "bob, carol", "--amounts", "10,20"},
			func(t *testing.T, cmd command.Command) {
				b := cmd.(*command.BatchTransfer)
				assert.Equal(t, []string{"bob", "carol"}, b.To)
				assert.Equal(t, []string{"10", "20"}, b.Amounts)
				assert.Nil(t, b.TaxAmounts)
			},
		},
		{
			"withdraw",
			[]string{"withdraw", "--from", "alice", "--external-to", "bank", "--amount", "5", "--ref", "wd-1"},
			func(t *testing.T, cmd command.Command) {
				w := cmd.(*command.Withdrawal)
				assert.Equal(t, "bank", w.ExternalTo)
				assert.Equal(t, "wd-1", w.JournalRef)
			},
		},
		{
			"reserve",
			[]string{"reserve", "--account", "bob", "--amount", "40"},
			func(t *testing.T, cmd command.Command) {
				assert.Equal(t, "40", cmd.(*command.Reserve).Amount)
			},
		},
		{
			"settle",
			[]string{"settle", "--from", "bob", "--to", "carol", "--amount", "10"},
			func(t *testing.T, cmd command.Command) {
				assert.Equal(t, "carol", cmd.(*command.Settle).To)
			},
		},
		{
			"cancel",
			[]string{"cancel", "--account", "bob", "--amount", "10"},
			func(t *testing.T, cmd command.Command) {
				assert.Equal(t, "bob", cmd.(*command.Cancel).Account)
			},
		},
		{
			"set balance",
			[]string{"set-balance", "--account", "bob", "--value", "7"},
			func(t *testing.T, cmd command.Command) {
				assert.Equal(t, "7", cmd.(*command.SetBalance).Balance)
			},
		},
		{
			"set reservation",
			[]string{"set-reservation", "--account", "bob", "--value", "3"},
			func(t *testing.T, cmd command.Command) {
				assert.Equal(t, "3", cmd.(*command.SetReservation).Reservation)
			},
		},
		{
			"change tax",
			[]string{"change-tax", "--numerator", "25", "--shift", "1"},
			func(t *testing.T, cmd command.Command) {
				ct := cmd.(*command.ChangeTax)
				assert.Equal(t, uint64(25), ct.Numerator)
				assert.Equal(t, uint8(1), ct.Shift)
			},
		},
		{
			"grant",
			[]string{"grant", "--member", "ops"},
			func(t *testing.T, cmd command.Command) {
				g := cmd.(*command.GrantRole)
				assert.Equal(t, "ops", g.Member)
				assert.Equal(t, "admin", g.Role)
			},
		},
		{
			"revoke",
			[]string{"revoke", "-m", "ops"},
			func(t *testing.T, cmd command.Command) {
				assert.Equal(t, "ops", cmd.(*command.RevokeRole).Member)
			},
		},
		{
			"operator transfer",
			[]string{"operator-transfer", "-f", "alice", "--to", "bob", "-a", "100"},
			func(t *testing.T, cmd command.Command) {
				op := cmd.(*command.OperatorTransfer)
				assert.Equal(t, "alice", op.From)
				assert.Equal(t, "100", op.Amount)
				assert.Empty(t, op.TaxAmount)
			},
		},
		{
			"vesting add",
			[]string{"vesting", "add", "-m", "dev1", "--funder", "company", "-a", "45000000"},
			func(t *testing.T, cmd command.Command) {
				v := cmd.(*command.AddVestingMember)
				assert.Equal(t, "dev1", v.Member)
				assert.Equal(t, "company", v.Funder)
				assert.Equal(t, "45000000", v.Amount)
			},
		},
		{
			"vesting withdraw",
			[]string{"vesting", "withdraw", "--key", "w1", "--member", "dev1"},
			func(t *testing.T, cmd command.Command) {
				v := cmd.(*command.WithdrawVesting)
				assert.Equal(t, "dev1", v.Member)
				assert.Equal(t, "w1", v.IdempotencyKey)
			},
		},
		{
			"vesting terminate",
			[]string{"vesting", "terminate"},
			func(t *testing.T, cmd command.Command) {
				assert.Equal(t, command.TypeTerminateVesting, cmd.Type())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			require.NoError(t, h.run(append([]string{"--token", "jwt", "--connect", "ledger:9090"}, tt.args...)...))
			require.Len(t, h.client.submitted, 1)
			tt.check(t, h.client.submitted[0])
			assert.Equal(t, "ledger:9090", h.addr)
			assert.Equal(t, "jwt", h.token)
			assert.True(t, h.client.closed)

			var resp server.CommandResponse
			require.NoError(t, json.Unmarshal(h.out.Bytes(), &resp))
			assert.Equal(t, int64(1), resp.Sequence)
		})
	}
}

func TestRequiredFlags(t *testing.T) {
	h := newHarness()
	err := h.run("--token", "jwt", "transfer", "--from", "alice", "--amount", "1")
	assert.EqualError(t, err, "--to is required")
	assert.Empty(t, h.client.submitted)

	err = h.run("--token", "jwt", "change-tax", "--shift", "1")
	assert.EqualError(t, err, "--numerator is required")
}

func TestMintsTokenFromSecret(t *testing.T) {
	h := newHarness()
	secret := "0123456789abcdef"
	require.NoError(t, h.run("--secret", secret, "--caller", "ops", "tax"))

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(h.token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	var tax server.TaxResponse
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &tax))
	assert.Equal(t, "treasury", tax.Recipient)
}

func TestMissingCredentials(t *testing.T) {
	t.Setenv("FIN_TOKEN", "")
	t.Setenv("FIN_JWT_SECRET", "")
	t.Setenv("FIN_CALLER", "")
	h := newHarness()
	assert.Error(t, h.run("status"))
}

func TestTokenCommand(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.run("--secret", "0123456789abcdef", "token", "--subject", "alice", "--ttl", "0"))

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(string(bytes.TrimSpace(h.out.Bytes())), claims, func(*jwt.Token) (interface{}, error) {
		return []byte("0123456789abcdef"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Nil(t, claims.ExpiresAt)
}

func TestQueries(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.run("--token", "jwt", "account", "alice"))
	assert.Equal(t, "alice", h.client.account)

	h = newHarness()
	require.NoError(t, h.run("--token", "jwt", "events", "--account", "alice", "--limit", "5", "--before", "9"))
	assert.Equal(t, &server.ListEventsRequest{Account: "alice", Limit: 5, BeforeSequence: 9}, h.client.events)

	h = newHarness()
	require.NoError(t, h.run("--token", "jwt", "status"))
	var st server.StatusResponse
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &st))
	assert.Equal(t, "10", st.Issued)

	h = newHarness()
	require.NoError(t, h.run("--token", "jwt", "journal", "--account", "bob", "-l", "3"))
	assert.Equal(t, &server.ListEventsRequest{Account: "bob", Limit: 3}, h.client.events)

	h = newHarness()
	require.NoError(t, h.run("--token", "jwt", "vesting", "show", "dev1"))
	assert.Equal(t, "dev1", h.client.account)
	var v server.VestingResponse
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &v))
	assert.Equal(t, "40", v.Remaining)

	h = newHarness()
	assert.Error(t, h.run("--token", "jwt", "account"))

	h = newHarness()
	assert.EqualError(t, h.run("--token", "jwt", "vesting", "withdraw"), "--member is required")
}

func TestVerify(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.run("--token", "jwt", "verify"))
	var report query.IntegrityReport
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &report))
	assert.True(t, report.IsHealthy)

	h = newHarness()
	h.client.broken = true
	assert.EqualError(t, h.run("--token", "jwt", "verify"), "ledger integrity check failed")
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &report))
	assert.Equal(t, []int64{4}, report.HashChainBreaks)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "", "b"}, splitList("a,,b"))
}
