package server

import (
	"FinLedger/internal/command"
	"FinLedger/internal/query"
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "finledger.v1.LedgerService"

// LedgerServer is the server API of finledger.v1.LedgerService.
type LedgerServer interface {
	Deposit(context.Context, *command.Deposit) (*CommandResponse, error)
	Transfer(context.Context, *command.Transfer) (*CommandResponse, error)
	BatchTransfer(context.Context, *command.BatchTransfer) (*CommandResponse, error)
	Withdraw(context.Context, *command.Withdrawal) (*CommandResponse, error)
	Reserve(context.Context, *command.Reserve) (*CommandResponse, error)
	Settle(context.Context, *command.Settle) (*CommandResponse, error)
	Cancel(context.Context, *command.Cancel) (*CommandResponse, error)
	SetBalance(context.Context, *command.SetBalance) (*CommandResponse, error)
	SetReservation(context.Context, *command.SetReservation) (*CommandResponse, error)
	ChangeTax(context.Context, *command.ChangeTax) (*CommandResponse, error)
	GrantRole(context.Context, *command.GrantRole) (*CommandResponse, error)
	RevokeRole(context.Context, *command.RevokeRole) (*CommandResponse, error)
	AddIndication(context.Context, *command.AddIndication) (*CommandResponse, error)
	AddReferral(context.Context, *command.AddReferral) (*CommandResponse, error)
	AddShare(context.Context, *command.AddShare) (*CommandResponse, error)
	OperatorTransfer(context.Context, *command.OperatorTransfer) (*CommandResponse, error)
	AddVestingMember(context.Context, *command.AddVestingMember) (*CommandResponse, error)
	WithdrawVesting(context.Context, *command.WithdrawVesting) (*CommandResponse, error)
	TerminateVesting(context.Context, *command.TerminateVesting) (*CommandResponse, error)

	GetAccount(context.Context, *GetAccountRequest) (*AccountResponse, error)
	GetTax(context.Context, *GetTaxRequest) (*TaxResponse, error)
	GetEngagement(context.Context, *GetEngagementRequest) (*EngagementResponse, error)
	GetVesting(context.Context, *GetVestingRequest) (*VestingResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*StatusResponse, error)
	ListEvents(context.Context, *ListEventsRequest) (*ListEventsResponse, error)
	ListJournal(context.Context, *ListEventsRequest) (*ListJournalResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the MethodDesc of one RPC. Req is decoded with the
// connection codec and the call runs through the server interceptor chain.
func unary[Req any, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(LedgerServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(impl, ctx, req.(*Req))
			})
		},
	}
}

// LedgerServiceDesc describes finledger.v1.LedgerService. Messages are
// JSON-encoded Go structs, see codec.go.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", LedgerServer.Deposit),
		unary("Transfer", LedgerServer.Transfer),
		unary("BatchTransfer", LedgerServer.BatchTransfer),
		unary("Withdraw", LedgerServer.Withdraw),
		unary("Reserve", LedgerServer.Reserve),
		unary("Settle", LedgerServer.Settle),
		unary("Cancel", LedgerServer.Cancel),
		unary("SetBalance", LedgerServer.SetBalance),
		unary("SetReservation", LedgerServer.SetReservation),
		unary("ChangeTax", LedgerServer.ChangeTax),
		unary("GrantRole", LedgerServer.GrantRole),
		unary("RevokeRole", LedgerServer.RevokeRole),
		unary("AddIndication", LedgerServer.AddIndication),
		unary("AddReferral", LedgerServer.AddReferral),
		unary("AddShare", LedgerServer.AddShare),
		unary("OperatorTransfer", LedgerServer.OperatorTransfer),
		unary("AddVestingMember", LedgerServer.AddVestingMember),
		unary("WithdrawVesting", LedgerServer.WithdrawVesting),
		unary("TerminateVesting", LedgerServer.TerminateVesting),
		unary("GetAccount", LedgerServer.GetAccount),
		unary("GetTax", LedgerServer.GetTax),
		unary("GetEngagement", LedgerServer.GetEngagement),
		unary("GetVesting", LedgerServer.GetVesting),
		unary("GetStatus", LedgerServer.GetStatus),
		unary("ListEvents", LedgerServer.ListEvents),
		unary("ListJournal", LedgerServer.ListJournal),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "finledger/v1/ledger.json",
}
