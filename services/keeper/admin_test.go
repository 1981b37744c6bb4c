package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"campaignkeeper/faults"
	"campaignkeeper/health"
	"campaignkeeper/journal"
	"campaignkeeper/ledger"
)

const adminToken = "admin-secret"

type fakeLister struct {
	campaign string
	limit    int
	entries  []journal.Entry
}

func (l *fakeLister) Recent(_ context.Context, campaign string, limit int) ([]journal.Entry, error) {
	l.campaign = campaign
	l.limit = limit
	return l.entries, nil
}

type adminFixture struct {
	*fixture
	server *httptest.Server
	agg    *health.Aggregator
	lister *fakeLister
}

func newAdminFixture(t *testing.T, fl *fakeLedger, probes ...health.Probe) *adminFixture {
	t.Helper()
	f := newFixture(t, fl)
	agg := health.New(0, time.Second)
	for _, p := range probes {
		agg.Register(p)
	}
	auth, err := NewAuthenticator(adminToken)
	require.NoError(t, err)
	lister := &fakeLister{}
	srv := httptest.NewServer(NewAdminServer(f.engine, agg, lister, auth))
	t.Cleanup(srv.Close)
	return &adminFixture{fixture: f, server: srv, agg: agg, lister: lister}
}

func (a *adminFixture) do(t *testing.T, method, path, body string, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func passing(name string) health.Probe {
	return health.Probe{Name: name, Check: func(context.Context) (bool, error) { return true, nil }}
}

func failing(name string) health.Probe {
	return health.Probe{Name: name, Check: func(context.Context) (bool, error) { return false, errors.New(name + " down") }}
}

func TestAdminRequiresBearerToken(t *testing.T) {
	a := newAdminFixture(t, &fakeLedger{})

	resp := a.do(t, http.MethodGet, "/status", "", false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = a.do(t, http.MethodGet, "/status", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Paused   bool              `json:"paused"`
		InFlight []json.RawMessage `json:"in_flight"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.False(t, body.Paused)
	require.Empty(t, body.InFlight)
}

func TestAdminPauseAndResume(t *testing.T) {
	a := newAdminFixture(t, &fakeLedger{})

	require.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, "/pause", "", true).StatusCode)
	require.True(t, a.engine.Paused())
	require.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, "/resume", "", true).StatusCode)
	require.False(t, a.engine.Paused())
}

func TestAdminTickRunsOnce(t *testing.T) {
	fl := &fakeLedger{campaigns: []ledger.Campaign{pendingCampaign(20)}}
	a := newAdminFixture(t, fl)

	resp := a.do(t, http.MethodPost, "/tick", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary TickSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 1, fl.finalizeCalls)

	fl.fetchErr = faults.Reject(opFetchCampaigns, "-32602", errors.New("bad program"))
	require.Equal(t, http.StatusBadGateway, a.do(t, http.MethodPost, "/tick", "", true).StatusCode)
}

func TestAdminHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		a := newAdminFixture(t, &fakeLedger{}, passing("connection"), passing("program"))
		resp := a.do(t, http.MethodGet, "/healthz", "", false)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var report health.Report
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
		require.Equal(t, health.StatusHealthy, report.Status)
	})
	t.Run("degraded still serves", func(t *testing.T) {
		a := newAdminFixture(t, &fakeLedger{}, passing("connection"), failing("program"))
		require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", "", false).StatusCode)
	})
	t.Run("unhealthy", func(t *testing.T) {
		a := newAdminFixture(t, &fakeLedger{}, failing("connection"), failing("program"))
		resp := a.do(t, http.MethodGet, "/healthz", "", false)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		var report health.Report
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
		require.Equal(t, []string{"connection", "program"}, report.Failing)
	})
}

func TestAdminMetricsArePublic(t *testing.T) {
	a := newAdminFixture(t, &fakeLedger{})
	resp := a.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminFailures(t *testing.T) {
	a := newAdminFixture(t, &fakeLedger{})
	a.lister.entries = []journal.Entry{{ID: 1, Operation: opPayout, CampaignID: "abc", Class: "data_integrity"}}

	resp := a.do(t, http.MethodGet, "/failures?limit=9999&campaign=abc", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, journal.MaxLimit, a.lister.limit)
	require.Equal(t, "abc", a.lister.campaign)
	var body struct {
		Failures []journal.Entry `json:"failures"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Failures, 1)

	require.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/failures?limit=ten", "", true).StatusCode)

	a.do(t, http.MethodGet, "/failures", "", true)
	require.Equal(t, journal.DefaultLimit, a.lister.limit)
}

func TestAdminSetDelegate(t *testing.T) {
	fl := &fakeLedger{}
	a := newAdminFixture(t, fl)
	campaign, delegate := account(21), account(22)
	path := "/campaigns/" + campaign.String() + "/delegate"

	resp := a.do(t, http.MethodPost, path, `{"delegate":"`+delegate.String()+`"}`, true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, delegate, fl.delegates[campaign])

	require.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, path, `{"delegate":"`+delegate.String()+`"}`, false).StatusCode)
	require.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/campaigns/not-base58!/delegate", `{"delegate":"`+delegate.String()+`"}`, true).StatusCode)
	require.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, path, `{"delegate":""}`, true).StatusCode)

	fl.delegateErr = faults.Reject(opSetDelegate, "0x1772", errors.New("not creator"))
	require.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, path, `{"delegate":"`+delegate.String()+`"}`, true).StatusCode)
}

func TestStatusForError(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, statusForError(ErrEngineStopped))
	require.Equal(t, http.StatusConflict, statusForError(faults.Reject("op", "1", errors.New("x"))))
	require.Equal(t, http.StatusUnprocessableEntity, statusForError(faults.Integrity("op", errors.New("x"))))
	require.Equal(t, http.StatusInternalServerError, statusForError(faults.Internal("op", errors.New("x"))))
	require.Equal(t, http.StatusBadGateway, statusForError(faults.Transient("op", errors.New("x"))))
}
