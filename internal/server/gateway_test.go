package server_test

import (
	"FinLedger/internal/server"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpClient struct {
	t     *testing.T
	base  string
	token string
}

func (c *httpClient) do(method, path, body string) (int, map[string]interface{}) {
	c.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func newHTTP(t *testing.T, caller string) (*harness, *httpClient) {
	h := newHarness(t, server.Config{})
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)

	c := &httpClient{t: t, base: ts.URL}
	if caller != "" {
		token, err := server.IssueToken(secret, caller, time.Minute)
		require.NoError(t, err)
		c.token = token
	}
	return h, c
}

func TestGatewayRoutes(t *testing.T) {
	_, c := newHTTP(t, "admin")

	code, body := c.do("POST", "/v1/deposits", `{"idempotency_key":"d1","external_from":"bank","to":"alice","amount":"1000","txn_hash":"0x1"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(1), body["sequence"])

	code, body = c.do("POST", "/v1/transfers:batch", `{"idempotency_key":"b1","from":"alice","to":["bob","carol"],"amounts":["100","200"]}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["events"], 2)

	code, body = c.do("POST", "/v1/reservations", `{"idempotency_key":"r1","account":"bob","amount":"60"}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do("PUT", "/v1/accounts/carol/reservation", `{"idempotency_key":"sr1","reservation":"7"}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do("GET", "/v1/accounts/bob", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "40", body["balance"])
	assert.Equal(t, "60", body["reserved"])

	code, body = c.do("GET", "/v1/accounts/carol", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "200", body["balance"])
	assert.Equal(t, "7", body["reserved"])

	code, body = c.do("PUT", "/v1/tax", `{"idempotency_key":"c1","numerator":25,"shift":1}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do("GET", "/v1/tax", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(25), body["numerator"])
	assert.Equal(t, float64(1), body["shift"])

	code, body = c.do("POST", "/v1/engagements/indication", `{"idempotency_key":"i1","to":"alice","id":"ind-1","campaign_id":"c","item_id":"it","item_amount":"5","reward_amount":"1","when":1}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do("GET", "/v1/engagements/indication/alice/ind-1", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "indication", body["kind"])
}

func TestGatewayVestingRoutes(t *testing.T) {
	_, c := newHTTP(t, "admin")

	code, body := c.do("POST", "/v1/deposits", `{"idempotency_key":"d1","external_from":"bank","to":"company","amount":"50","txn_hash":"0x1"}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do("POST", "/v1/vesting/members", `{"idempotency_key":"v1","member":"dev1","funder":"company","amount":"50"}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do("POST", "/v1/vesting/members/dev1/withdrawals", `{"idempotency_key":"w1"}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do("GET", "/v1/vesting/members/dev1", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "40", body["remaining"])

	code, body = c.do("GET", "/v1/vesting", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "40", body["allocated"])

	code, body = c.do("POST", "/v1/vesting:terminate", `{"idempotency_key":"x1"}`)
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = c.do("POST", "/v1/transfers:operator", `{"idempotency_key":"o1","from":"company","to":"bob","amount":"1"}`)
	assert.Equal(t, http.StatusForbidden, code, body)
}

func TestGatewayErrors(t *testing.T) {
	h, c := newHTTP(t, "admin")

	code, body := c.do("POST", "/v1/reservations", `{"idempotency_key":"r1","account":"nobody","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "FailedPrecondition", body["code"])

	code, _ = c.do("POST", "/v1/deposits", `{"idempotency_key":"d1","to":"alice","amount":"1.5"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = c.do("POST", "/v1/deposits", `{"idempotency_key":"d2","to":"alice","amount":"1","caller":"root"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidArgument", body["code"])

	code, _ = c.do("POST", "/v1/engagements/coupon", `{}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = c.do("GET", "/v1/engagements/share/alice/none", "")
	assert.Equal(t, http.StatusNotFound, code)

	mallory := &httpClient{t: t, base: c.base}
	mallory.token, _ = server.IssueToken(secret, "mallory", time.Minute)
	code, body = mallory.do("POST", "/v1/deposits", `{"idempotency_key":"m1","to":"mallory","amount":"1"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PermissionDenied", body["code"])

	anon := &httpClient{t: t, base: c.base}
	code, _ = anon.do("GET", "/v1/tax", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	// health checks need no token
	code, _ = anon.do("GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = anon.do("GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	h.health.SetReady(true)
	code, _ = anon.do("GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestGatewayHistoryRoutes(t *testing.T) {
	hist := &fakeHistory{}
	h := newHistoryHarness(t, server.Config{}, hist)
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)
	token, err := server.IssueToken(secret, "admin", time.Minute)
	require.NoError(t, err)
	c := &httpClient{t: t, base: ts.URL, token: token}

	code, body := c.do("GET", "/v1/accounts/bob/journal?limit=2&before_sequence=7", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["entries"], 1)
	assert.Equal(t, "bob", hist.account)
	assert.Equal(t, 2, hist.limit)
	assert.Equal(t, int64(7), hist.before)

	code, body = c.do("GET", "/v1/integrity", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["is_healthy"])
}
