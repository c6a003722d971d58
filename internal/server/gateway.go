package server

import (
	"FinLedger/internal/command"
	"FinLedger/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBodyBytes bounds request bodies on the HTTP gateway.
const maxBodyBytes = 1 << 20

// gateway serves the HTTP/JSON routes. Handlers call the service in
// process with the same authentication, rate limit and error mapping as
// the gRPC server.
type gateway struct {
	svc     *LedgerService
	auth    *Authenticator
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type route struct {
	method, pattern string
	handler         runtime.HandlerFunc
}

func (g *gateway) routes() []route {
	return []route{
		{"POST", "/v1/deposits", handle(g, "Deposit", g.svc.Deposit, nil)},
		{"POST", "/v1/transfers", handle(g, "Transfer", g.svc.Transfer, nil)},
		{"POST", "/v1/transfers:batch", handle(g, "BatchTransfer", g.svc.BatchTransfer, nil)},
		{"POST", "/v1/withdrawals", handle(g, "Withdraw", g.svc.Withdraw, nil)},
		{"POST", "/v1/reservations", handle(g, "Reserve", g.svc.Reserve, nil)},
		{"POST", "/v1/settlements", handle(g, "Settle", g.svc.Settle, nil)},
		{"POST", "/v1/cancelations", handle(g, "Cancel", g.svc.Cancel, nil)},
		{"PUT", "/v1/accounts/{account}/balance", handle(g, "SetBalance", g.svc.SetBalance,
			func(r *command.SetBalance, p map[string]string, _ *http.Request) { r.Account = p["account"] })},
		{"PUT", "/v1/accounts/{account}/reservation", handle(g, "SetReservation", g.svc.SetReservation,
			func(r *command.SetReservation, p map[string]string, _ *http.Request) { r.Account = p["account"] })},
		{"PUT", "/v1/tax", handle(g, "ChangeTax", g.svc.ChangeTax, nil)},
		{"POST", "/v1/roles:grant", handle(g, "GrantRole", g.svc.GrantRole, nil)},
		{"POST", "/v1/roles:revoke", handle(g, "RevokeRole", g.svc.RevokeRole, nil)},
		{"POST", "/v1/engagements/{kind}", g.addEngagement},
		{"POST", "/v1/transfers:operator", handle(g, "OperatorTransfer", g.svc.OperatorTransfer, nil)},
		{"POST", "/v1/vesting/members", handle(g, "AddVestingMember", g.svc.AddVestingMember, nil)},
		{"POST", "/v1/vesting/members/{member}/withdrawals", handle(g, "WithdrawVesting", g.svc.WithdrawVesting,
			func(r *command.WithdrawVesting, p map[string]string, _ *http.Request) { r.Member = p["member"] })},
		{"POST", "/v1/vesting:terminate", handle(g, "TerminateVesting", g.svc.TerminateVesting, nil)},

		{"GET", "/v1/accounts/{account}", handle(g, "GetAccount", g.svc.GetAccount,
			func(r *GetAccountRequest, p map[string]string, _ *http.Request) { r.Account = p["account"] })},
		{"GET", "/v1/accounts/{account}/events", handle(g, "ListEvents", g.svc.ListEvents, bindListEvents)},
		{"GET", "/v1/accounts/{account}/journal", handle(g, "ListJournal", g.svc.ListJournal, bindListEvents)},
		{"GET", "/v1/integrity", handle(g, "VerifyIntegrity", g.svc.VerifyIntegrity, nil)},
		{"GET", "/v1/tax", handle(g, "GetTax", g.svc.GetTax, nil)},
		{"GET", "/v1/vesting", handle(g, "GetVesting", g.svc.GetVesting, nil)},
		{"GET", "/v1/vesting/members/{member}", handle(g, "GetVesting", g.svc.GetVesting,
			func(r *GetVestingRequest, p map[string]string, _ *http.Request) { r.Member = p["member"] })},
		{"GET", "/v1/status", handle(g, "GetStatus", g.svc.GetStatus, nil)},
		{"GET", "/v1/engagements/{kind}/{owner}/{id}", handle(g, "GetEngagement", g.svc.GetEngagement,
			func(r *GetEngagementRequest, p map[string]string, _ *http.Request) {
				r.Kind, r.Owner, r.ID = p["kind"], p["owner"], p["id"]
			})},
	}
}

func bindListEvents(r *ListEventsRequest, p map[string]string, req *http.Request) {
	r.Account = p["account"]
	q := req.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		r.Limit = v
	}
	if v, err := strconv.ParseInt(q.Get("before_sequence"), 10, 64); err == nil {
		r.BeforeSequence = v
	}
}

// handle adapts one service method to an HTTP route. Bodies of POST and
// PUT requests decode into Req; bind then fills path and query values,
// which take precedence over the body.
func handle[Req any, Resp any](
	g *gateway,
	name string,
	call func(context.Context, *Req) (*Resp, error),
	bind func(*Req, map[string]string, *http.Request),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		g.serve(w, r, name, func(ctx context.Context) (interface{}, error) {
			in := new(Req)
			if r.Method != http.MethodGet {
				if err := decodeBody(r, in); err != nil {
					return nil, err
				}
			}
			if bind != nil {
				bind(in, params, r)
			}
			return call(ctx, in)
		})
	}
}

func (g *gateway) addEngagement(w http.ResponseWriter, r *http.Request, params map[string]string) {
	g.serve(w, r, "AddEngagement", func(ctx context.Context) (interface{}, error) {
		var cmd command.Command
		switch params["kind"] {
		case "indication":
			cmd = &command.AddIndication{}
		case "referral":
			cmd = &command.AddReferral{}
		case "share":
			cmd = &command.AddShare{}
		default:
			return nil, status.Errorf(codes.NotFound, "unknown engagement kind %q", params["kind"])
		}
		if err := decodeBody(r, cmd); err != nil {
			return nil, err
		}
		return g.svc.submit(ctx, cmd)
	})
}

// serve authenticates, rate limits and runs fn, writing its result or
// error as JSON.
func (g *gateway) serve(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) (interface{}, error)) {
	start := time.Now()
	resp, err := func() (interface{}, error) {
		caller, err := g.auth.Verify(r.Header.Get("Authorization"))
		if err != nil {
			return nil, err
		}
		if !g.limiter.Allow() {
			if g.metrics != nil {
				g.metrics.APIThrottled.Inc()
			}
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		ctx := withSource(WithCaller(r.Context(), caller), "http")
		return fn(ctx)
	}()
	err = toStatus(err)

	code := status.Code(err)
	if g.metrics != nil {
		g.metrics.APIRequests.WithLabelValues(name, code.String()).Inc()
		g.metrics.APIDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if code == codes.Internal {
			g.logger.Error().Err(err).Str("route", name).Msg("request failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
