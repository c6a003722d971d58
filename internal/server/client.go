package server

import (
	"FinLedger/internal/command"
	"FinLedger/internal/query"
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls finledger.v1.LedgerService with the JSON codec.
type Client struct {
	conn *grpc.ClientConn
}

// tokenCredentials attaches a bearer token to every call.
type tokenCredentials string

func (t tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (tokenCredentials) RequireTransportSecurity() bool { return false }

// Dial connects to addr and authenticates every call with token.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(tokenCredentials(token)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in, out interface{}) error {
	return c.conn.Invoke(ctx, FullMethod(method), in, out)
}

// Submit sends a mutating command, choosing the RPC from its type.
func (c *Client) Submit(ctx context.Context, cmd command.Command) (*CommandResponse, error) {
	out := new(CommandResponse)
	if err := c.call(ctx, rpcName(cmd.Type()), cmd, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAccount(ctx context.Context, account string) (*AccountResponse, error) {
	out := new(AccountResponse)
	return out, c.call(ctx, "GetAccount", &GetAccountRequest{Account: account}, out)
}

func (c *Client) GetTax(ctx context.Context) (*TaxResponse, error) {
	out := new(TaxResponse)
	return out, c.call(ctx, "GetTax", &GetTaxRequest{}, out)
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.call(ctx, "GetStatus", &GetStatusRequest{}, out)
}

func (c *Client) GetEngagement(ctx context.Context, req *GetEngagementRequest) (*EngagementResponse, error) {
	out := new(EngagementResponse)
	return out, c.call(ctx, "GetEngagement", req, out)
}

func (c *Client) GetVesting(ctx context.Context, member string) (*VestingResponse, error) {
	out := new(VestingResponse)
	return out, c.call(ctx, "GetVesting", &GetVestingRequest{Member: member}, out)
}

func (c *Client) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	out := new(ListEventsResponse)
	return out, c.call(ctx, "ListEvents", req, out)
}

func (c *Client) ListJournal(ctx context.Context, req *ListEventsRequest) (*ListJournalResponse, error) {
	out := new(ListJournalResponse)
	return out, c.call(ctx, "ListJournal", req, out)
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	out := new(query.IntegrityReport)
	return out, c.call(ctx, "VerifyIntegrity", &VerifyIntegrityRequest{}, out)
}

func rpcName(t command.Type) string {
	switch t {
	case command.TypeDeposit:
		return "Deposit"
	case command.TypeTransfer:
		return "Transfer"
	case command.TypeBatchTransfer:
		return "BatchTransfer"
	case command.TypeWithdrawal:
		return "Withdraw"
	case command.TypeReserve:
		return "Reserve"
	case command.TypeSettle:
		return "Settle"
	case command.TypeCancel:
		return "Cancel"
	case command.TypeSetBalance:
		return "SetBalance"
	case command.TypeSetReservation:
		return "SetReservation"
	case command.TypeChangeTax:
		return "ChangeTax"
	case command.TypeGrantRole:
		return "GrantRole"
	case command.TypeRevokeRole:
		return "RevokeRole"
	case command.TypeAddIndication:
		return "AddIndication"
	case command.TypeAddReferral:
		return "AddReferral"
	case command.TypeAddShare:
		return "AddShare"
	case command.TypeOperatorTransfer:
		return "OperatorTransfer"
	case command.TypeAddVestingMember:
		return "AddVestingMember"
	case command.TypeWithdrawVesting:
		return "WithdrawVesting"
	case command.TypeTerminateVesting:
		return "TerminateVesting"
	}
	return t.String()
}
