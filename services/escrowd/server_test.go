package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowchain/core/types"
	"escrowchain/crypto"
	"escrowchain/native/common"
	"escrowchain/native/escrow"
	"escrowchain/storage"
)

type serverFixture struct {
	node   *Node
	exec   *Executor
	audit  *AuditStore
	server *Server
	http   *httptest.Server
	keys   map[string]*crypto.PrivateKey
	nonces map[[20]byte]uint64
}

func newServerFixture(t *testing.T, opts ...func(*ServerConfig)) *serverFixture {
	t.Helper()
	audit, err := OpenAuditStore("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	node := NewNode(storage.NewMemDB(), common.NewPauses(nil), journalSink{store: audit}, metricsSink{})

	keys := make(map[string]*crypto.PrivateKey)
	for _, name := range []string{"buyer", "seller", "arbitrator", "partner"} {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		keys[name] = key
		require.NoError(t, node.ledger.Credit(key.PubKey().Address().Raw(), big.NewInt(1000)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(node.dispatcher, 16)
	exec.Start(ctx)

	cfg := ServerConfig{
		Node:     node,
		Executor: exec,
		Audit:    audit,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	server := NewServer(cfg)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		exec.Stop()
		cancel()
		_ = audit.Close()
	})
	return &serverFixture{
		node:   node,
		exec:   exec,
		audit:  audit,
		server: server,
		http:   srv,
		keys:   keys,
		nonces: make(map[[20]byte]uint64),
	}
}

func (f *serverFixture) addr(name string) [20]byte {
	return f.keys[name].PubKey().Address().Raw()
}

func (f *serverFixture) signedBody(t *testing.T, name string, call types.Call) []byte {
	t.Helper()
	if call.Nonce == 0 {
		call.Nonce = f.nonces[f.addr(name)] + 1
	}
	require.NoError(t, call.Sign(f.keys[name]))
	body, err := json.Marshal(call)
	require.NoError(t, err)
	return body
}

func (f *serverFixture) post(t *testing.T, path string, body []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.http.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func (f *serverFixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (f *serverFixture) submit(t *testing.T, name string, call types.Call) (int, map[string]any) {
	t.Helper()
	resp, body := f.post(t, "/v1/calls", f.signedBody(t, name, call), nil)
	if resp.StatusCode < 300 {
		f.nonces[f.addr(name)]++
	}
	return resp.StatusCode, body
}

func (f *serverFixture) deploy(t *testing.T) (string, [32]byte) {
	t.Helper()
	data, err := types.EncodeCreateParams(types.CreateParams{
		Buyer:            f.addr("buyer"),
		Seller:           f.addr("seller"),
		Arbitrator:       f.addr("arbitrator"),
		ThresholdPercent: 50,
	})
	require.NoError(t, err)
	status, body := f.submit(t, "buyer", types.Call{Type: types.CallCreate, Value: big.NewInt(200), Data: data})
	require.Equal(t, http.StatusCreated, status, body)
	require.Equal(t, "created", body["state"])
	id, err := types.ParseEscrowID(body["escrowId"].(string))
	require.NoError(t, err)
	return body["escrowId"].(string), id
}

func TestSubmitCallReleaseFlow(t *testing.T) {
	f := newServerFixture(t)
	idHex, id := f.deploy(t)

	status, body := f.submit(t, "seller", types.Call{Type: types.CallInitiateRelease, EscrowID: id})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "release_initiated", body["state"])

	status, body = f.submit(t, "seller", types.Call{Type: types.CallApprove, EscrowID: id})
	require.Equal(t, http.StatusOK, status, body)

	code, view := f.get(t, "/v1/escrows/"+idHex)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, view["hasPassedThreshold"])
	require.EqualValues(t, 1, view["eligibleVoters"])
	require.Equal(t, "200", view["balance"])

	status, body = f.submit(t, "seller", types.Call{Type: types.CallRelease, EscrowID: id})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "released", body["state"])
	require.Equal(t, "200", body["amount"])

	code, account := f.get(t, "/v1/accounts/"+crypto.FormatAddress(f.addr("seller")))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "1200", account["balance"])
	require.EqualValues(t, 3, account["nonce"])

	code, view = f.get(t, "/v1/escrows/"+idHex)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "released", view["state"])
	require.Equal(t, "0", view["balance"])
}

func TestSubmitCallErrorStatuses(t *testing.T) {
	f := newServerFixture(t)
	_, id := f.deploy(t)

	cases := []struct {
		name   string
		signer string
		call   types.Call
		status int
		kind   string
		reason string
	}{
		{"outsider initiates release", "buyer", types.Call{Type: types.CallInitiateRelease, EscrowID: id}, http.StatusForbidden, "access_denied", "not_eligible_voter"},
		{"vote before release", "seller", types.Call{Type: types.CallApprove, EscrowID: id}, http.StatusConflict, "invalid_state", ""},
		{"unknown escrow", "seller", types.Call{Type: types.CallInitiateRelease, EscrowID: [32]byte{9}}, http.StatusNotFound, "not_found", ""},
		{"stale nonce", "buyer", types.Call{Type: types.CallDeposit, EscrowID: id, Value: big.NewInt(1), Nonce: 7}, http.StatusBadRequest, "validation", "bad_nonce"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.submit(t, tc.signer, tc.call)
			require.Equal(t, tc.status, status, body)
			require.Equal(t, tc.kind, body["kind"])
			if tc.reason != "" {
				require.Equal(t, tc.reason, body["reason"])
			}
		})
	}

	t.Run("release below threshold", func(t *testing.T) {
		status, body := f.submit(t, "seller", types.Call{Type: types.CallInitiateRelease, EscrowID: id})
		require.Equal(t, http.StatusOK, status, body)
		status, body = f.submit(t, "seller", types.Call{Type: types.CallRelease, EscrowID: id})
		require.Equal(t, http.StatusPreconditionFailed, status, body)
		require.Equal(t, "threshold_not_met", body["reason"])
	})

	t.Run("forged signature", func(t *testing.T) {
		call := types.Call{Type: types.CallDeposit, EscrowID: id, Value: big.NewInt(1), Nonce: 1}
		require.NoError(t, call.Sign(f.keys["partner"]))
		call.Caller = f.addr("buyer")
		body, err := json.Marshal(call)
		require.NoError(t, err)
		resp, decoded := f.post(t, "/v1/calls", body, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, "signature", decoded["kind"])
	})

	t.Run("malformed json", func(t *testing.T) {
		resp, decoded := f.post(t, "/v1/calls", []byte(`{"type":"nope"`), nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "validation", decoded["kind"])
	})
}

func TestSubmitCallIdempotency(t *testing.T) {
	f := newServerFixture(t)
	_, id := f.deploy(t)

	body := f.signedBody(t, "buyer", types.Call{Type: types.CallDeposit, EscrowID: id, Value: big.NewInt(25)})
	headers := map[string]string{headerIdempotencyKey: "deposit-1"}

	first, firstBody := f.post(t, "/v1/calls", body, headers)
	require.Equal(t, http.StatusOK, first.StatusCode, firstBody)

	replay, replayBody := f.post(t, "/v1/calls", body, headers)
	require.Equal(t, http.StatusOK, replay.StatusCode)
	require.Equal(t, "true", replay.Header.Get("Idempotent-Replay"))
	require.Equal(t, firstBody, replayBody)

	balance, err := f.node.ledger.Balance(f.addr("buyer"))
	require.NoError(t, err)
	require.Equal(t, "775", balance.String())

	other := f.signedBody(t, "buyer", types.Call{Type: types.CallDeposit, EscrowID: id, Value: big.NewInt(30), Nonce: 3})
	conflict, conflictBody := f.post(t, "/v1/calls", other, headers)
	require.Equal(t, http.StatusConflict, conflict.StatusCode)
	require.Equal(t, "idempotency_conflict", conflictBody["kind"])
}

func TestSubmitCallQuota(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newServerFixture(t, func(cfg *ServerConfig) {
		cfg.Quota = common.NewQuotaTracker(common.Quota{MaxRequestsPerMin: 2, EpochSeconds: 60}, func() time.Time { return now })
	})
	_, id := f.deploy(t)

	status, body := f.submit(t, "buyer", types.Call{Type: types.CallDeposit, EscrowID: id, Value: big.NewInt(1)})
	require.Equal(t, http.StatusOK, status, body)
	status, body = f.submit(t, "buyer", types.Call{Type: types.CallDeposit, EscrowID: id, Value: big.NewInt(1)})
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "quota", body["kind"])

	// Quota is per caller.
	status, body = f.submit(t, "seller", types.Call{Type: types.CallAddPartner, EscrowID: id, Data: addrBytes(f.addr("partner"))})
	require.Equal(t, http.StatusOK, status, body)
}

func addrBytes(a [20]byte) []byte {
	out := make([]byte, len(a))
	copy(out, a[:])
	return out
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	f := newServerFixture(t, func(cfg *ServerConfig) {
		cfg.RateLimiter = NewRateLimiter(0.001, 1, nil)
	})
	resp, _ := f.post(t, "/v1/calls", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := f.post(t, "/v1/calls", []byte(`{}`), nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limited", body["kind"])
}

func TestRateLimiterDisabled(t *testing.T) {
	require.Nil(t, NewRateLimiter(0, 10, nil))
}

func TestRateLimiterIgnoresForwardedHeadersFromUntrustedPeers(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1, nil)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i, spoofed := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Real-IP", spoofed)
		req.Header.Set("X-Forwarded-For", spoofed)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i == 0 {
			require.Equal(t, http.StatusNoContent, rec.Code)
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
	require.Len(t, limiter.visitors, 1)
}

func TestRateLimiterHonoursTrustedProxy(t *testing.T) {
	_, proxies, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	limiter := NewRateLimiter(0.001, 1, []*net.IPNet{proxies})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.1.2.3")
	require.Equal(t, "198.51.100.7", limiter.clientID(req))

	req.Header.Set("X-Real-IP", "198.51.100.8")
	require.Equal(t, "198.51.100.8", limiter.clientID(req))

	req.Header.Set("X-Real-IP", "not-an-ip")
	req.Header.Del("X-Forwarded-For")
	require.Equal(t, "10.1.2.3", limiter.clientID(req))

	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set("X-Real-IP", "198.51.100.8")
	require.Equal(t, "203.0.113.9", limiter.clientID(req))
}

func TestAuditChainRecordsEveryCall(t *testing.T) {
	f := newServerFixture(t)
	_, id := f.deploy(t)
	status, _ := f.submit(t, "buyer", types.Call{Type: types.CallInitiateRelease, EscrowID: id})
	require.Equal(t, http.StatusForbidden, status)

	ctx := context.Background()
	entries, err := f.audit.AuditLog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "create", entries[0].CallType)
	require.Equal(t, http.StatusCreated, entries[0].Status)
	require.Equal(t, "access_denied", entries[1].Kind)
	require.Equal(t, entries[0].Hash, entries[1].PrevHash)
	require.NoError(t, f.audit.VerifyChain(ctx))

	require.NoError(t, f.audit.db.Model(&AuditEntry{}).Where("id = ?", entries[0].ID).Update("status", 200).Error)
	require.ErrorIs(t, f.audit.VerifyChain(ctx), ErrAuditChainBroken)
}

func TestEventsJournal(t *testing.T) {
	f := newServerFixture(t)
	idHex, id := f.deploy(t)
	status, _ := f.submit(t, "buyer", types.Call{Type: types.CallInitiateDispute, EscrowID: id})
	require.Equal(t, http.StatusOK, status)

	code, body := f.get(t, "/v1/events?escrow="+idHex)
	require.Equal(t, http.StatusOK, code)
	list := body["events"].([]any)
	var kinds []string
	for _, raw := range list {
		kinds = append(kinds, raw.(map[string]any)["type"].(string))
	}
	require.Equal(t, []string{escrow.EventTypeCreated, escrow.EventTypeDeposit, escrow.EventTypeDisputeRaised}, kinds)

	first := list[0].(map[string]any)["sequence"].(float64)
	code, body = f.get(t, "/v1/events?escrow="+idHex+"&after="+strconv.FormatInt(int64(first), 10)+"&limit=1")
	require.Equal(t, http.StatusOK, code)
	paged := body["events"].([]any)
	require.Len(t, paged, 1)
	require.Equal(t, escrow.EventTypeDeposit, paged[0].(map[string]any)["type"])

	code, body = f.get(t, "/v1/events?after=abc")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "validation", body["kind"])
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEventsJournalLogsCorruptRows(t *testing.T) {
	logs := &syncBuffer{}
	f := newServerFixture(t, func(cfg *ServerConfig) {
		cfg.Logger = slog.New(slog.NewTextHandler(logs, nil))
	})
	row := JournalEvent{Type: "escrow.deposit", EscrowID: "0xdead", Attributes: "{not json"}
	require.NoError(t, f.audit.db.Create(&row).Error)

	code, body := f.get(t, "/v1/events?escrow=0xdead")
	require.Equal(t, http.StatusOK, code)
	list := body["events"].([]any)
	require.Len(t, list, 1)
	require.Empty(t, list[0].(map[string]any)["attributes"])

	require.Contains(t, logs.String(), "journal row decode failed")
	require.Contains(t, logs.String(), "sequence="+strconv.FormatUint(row.Sequence, 10))
}

func TestGetEscrowValidation(t *testing.T) {
	f := newServerFixture(t)
	code, body := f.get(t, "/v1/escrows/0x1234")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "validation", body["kind"])

	code, body = f.get(t, "/v1/escrows/0x"+string(bytes.Repeat([]byte("ab"), 32)))
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["kind"])

	code, _ = f.get(t, "/v1/accounts/not-an-address")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestRequestIDHeader(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(headerRequestID))
}
