package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"lukechampine.com/blake3"

	escerrors "escrowchain/core/errors"
	"escrowchain/core/events"
	"escrowchain/core/types"
	"escrowchain/crypto"
	"escrowchain/native/common"
	"escrowchain/native/escrow"
	"escrowchain/observability/logging"
	"escrowchain/observability/metrics"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-ID"
	defaultMaxBody       = 1 << 20 // 1 MiB
)

type requestIDKey struct{}

// ServerConfig collects the collaborators of the HTTP API.
type ServerConfig struct {
	Node         *Node
	Executor     *Executor
	Audit        *AuditStore
	Quota        *common.QuotaTracker
	RateLimiter  *RateLimiter
	Admin        *AdminAuth
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server is the HTTP front-end of the escrow engine.
type Server struct {
	node    *Node
	bus     *events.Bus
	exec    *Executor
	audit   *AuditStore
	quota   *common.QuotaTracker
	limiter *RateLimiter
	admin   *AdminAuth
	maxBody int64
	logger  *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Node == nil {
		panic("node required")
	}
	if cfg.Executor == nil {
		panic("executor required")
	}
	if cfg.Audit == nil {
		panic("audit store required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		node:    cfg.Node,
		bus:     cfg.Node.bus,
		exec:    cfg.Executor,
		audit:   cfg.Audit,
		quota:   cfg.Quota,
		limiter: cfg.RateLimiter,
		admin:   cfg.Admin,
		maxBody: cfg.MaxBodyBytes,
		logger:  cfg.Logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.limiter.Middleware).Post("/calls", s.handleSubmitCall)
		v1.Get("/escrows/{id}", s.handleGetEscrow)
		v1.Get("/accounts/{addr}", s.handleGetAccount)
		v1.Get("/events", s.handleListEvents)
		v1.Get("/events/stream", s.handleEventStream)
	})

	if s.admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(s.admin.Middleware)
			admin.Post("/pause", pauseHandler(s.node.pauses, true))
			admin.Post("/resume", pauseHandler(s.node.pauses, false))
		})
	}
	return r
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type callResponse struct {
	RequestID string `json:"requestId"`
	CallHash  string `json:"callHash"`
	Type      string `json:"type"`
	EscrowID  string `json:"escrowId"`
	State     string `json:"state"`
	Amount    string `json:"amount,omitempty"`
}

func (s *Server) handleSubmitCall(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	entry := AuditEntry{RequestID: requestID, Method: r.Method, Path: r.URL.Path}
	respond := func(status int, payload any, err error) []byte {
		var body []byte
		if err != nil {
			body = writeError(w, err)
			entry.Kind = errorKind(err)
			status = statusFor(err)
		} else {
			body = writeJSON(w, status, payload)
		}
		entry.Status = status
		entry.Body = string(body)
		if auditErr := s.audit.AppendAudit(r.Context(), entry); auditErr != nil {
			s.logger.Error("audit append failed", "request_id", requestID, "error", auditErr)
		}
		return body
	}

	body, err := s.readRequestBody(r)
	if err != nil {
		respond(0, nil, escerrors.Validation("bad_body", "%v", err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	if key != "" {
		cached, cacheErr := s.audit.LookupIdempotency(r.Context(), key, requestHash)
		if cacheErr != nil {
			if errors.Is(cacheErr, ErrIdempotencyMismatch) {
				respond(0, nil, errIdempotencyConflict)
			} else {
				respond(0, nil, cacheErr)
			}
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			entry.Status = cached.Status
			entry.Body = string(cached.Body)
			_ = s.audit.AppendAudit(r.Context(), entry)
			return
		}
	}

	var call types.Call
	if err := json.Unmarshal(body, &call); err != nil {
		respond(0, nil, escerrors.Validation("bad_call", "invalid JSON payload: %v", err))
		return
	}
	entry.Caller = crypto.FormatAddress(call.Caller)
	entry.CallType = call.Type.String()
	if call.EscrowID != ([32]byte{}) {
		entry.EscrowID = "0x" + hex.EncodeToString(call.EscrowID[:])
	}
	if err := call.Verify(); err != nil {
		respond(0, nil, escerrors.Signature("bad_signature", "%v", err))
		return
	}
	if err := s.quota.Charge(call.Caller, quotaValue(call.Value)); err != nil {
		metrics.Escrow().RecordThrottle("quota")
		respond(0, nil, &quotaError{err: err})
		return
	}

	receipt, err := s.exec.Execute(r.Context(), &call)
	if err != nil {
		s.logger.Warn("call rejected",
			"request_id", requestID,
			"call", call.Type.String(),
			"caller", entry.Caller,
			"kind", errorKind(err),
			"reason", escerrors.ReasonOf(err),
			logging.MaskField("signature", hex.EncodeToString(call.Signature)))
		respond(0, nil, err)
		return
	}

	resp := callResponse{
		RequestID: requestID,
		CallHash:  "0x" + hex.EncodeToString(receipt.CallHash[:]),
		Type:      receipt.Type.String(),
		EscrowID:  "0x" + hex.EncodeToString(receipt.EscrowID[:]),
		State:     receipt.State.String(),
	}
	if receipt.Amount != nil {
		resp.Amount = receipt.Amount.String()
	}
	entry.EscrowID = resp.EscrowID
	status := http.StatusOK
	if receipt.Type == types.CallCreate {
		status = http.StatusCreated
	}
	s.logger.Info("call applied", "request_id", requestID, "call", resp.Type, "caller", entry.Caller, "escrow", resp.EscrowID, "state", resp.State)
	payload := respond(status, resp, nil)
	if key != "" {
		if err := s.audit.SaveIdempotency(r.Context(), key, requestHash, requestID, status, payload); err != nil {
			s.logger.Error("save idempotency failed", "request_id", requestID, "error", err)
		}
	}
}

type escrowView struct {
	ID                 string   `json:"id"`
	Vault              string   `json:"vault"`
	Buyer              string   `json:"buyer"`
	Seller             string   `json:"seller"`
	Arbitrator         string   `json:"arbitrator"`
	ThresholdPercent   uint32   `json:"thresholdPercent"`
	Partners           []string `json:"partners"`
	State              string   `json:"state"`
	Deposited          string   `json:"deposited"`
	Balance            string   `json:"balance"`
	VotesFor           uint64   `json:"votesFor"`
	VotesAgainst       uint64   `json:"votesAgainst"`
	Voters             []string `json:"voters"`
	EligibleVoters     uint64   `json:"eligibleVoters"`
	HasPassedThreshold bool     `json:"hasPassedThreshold"`
	CreatedAt          uint64   `json:"createdAt"`
	MetaHash           string   `json:"metaHash"`
}

func formatAddresses(addrs [][20]byte) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, crypto.FormatAddress(a))
	}
	return out
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, escerrors.Validation("bad_escrow_id", "%v", err))
		return
	}
	var view escrowView
	err = s.exec.Read(r.Context(), func(engine *escrow.Engine) error {
		acc, err := engine.Get(id)
		if err != nil {
			return err
		}
		passed, err := engine.HasPassedThreshold(id)
		if err != nil {
			return err
		}
		eligible, err := engine.EligibleVoters(id)
		if err != nil {
			return err
		}
		vault := escrow.VaultAddress(id)
		view = escrowView{
			ID:                 "0x" + hex.EncodeToString(acc.ID[:]),
			Vault:              crypto.MustNewAddress(crypto.VaultPrefix, vault[:]).String(),
			Buyer:              crypto.FormatAddress(acc.Buyer),
			Seller:             crypto.FormatAddress(acc.Seller),
			Arbitrator:         crypto.FormatAddress(acc.Arbitrator),
			ThresholdPercent:   acc.ThresholdPercent,
			Partners:           formatAddresses(acc.Partners),
			State:              acc.State.String(),
			Deposited:          acc.Deposited.String(),
			Balance:            acc.Balance().String(),
			VotesFor:           acc.VotesFor,
			VotesAgainst:       acc.VotesAgainst,
			Voters:             formatAddresses(acc.Voters),
			EligibleVoters:     eligible,
			HasPassedThreshold: passed,
			CreatedAt:          acc.CreatedAt,
			MetaHash:           "0x" + hex.EncodeToString(acc.MetaHash[:]),
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type accountView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, escerrors.Validation("bad_address", "%v", err))
		return
	}
	var view accountView
	err = s.exec.Read(r.Context(), func(*escrow.Engine) error {
		acc, err := s.node.ledger.Account(addr.Raw())
		if err != nil {
			return err
		}
		view = accountView{Address: crypto.FormatAddress(addr.Raw()), Balance: acc.Balance.String(), Nonce: acc.Nonce}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type journalView struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	after, err := parseUintParam(query.Get("after"))
	if err != nil {
		writeError(w, escerrors.Validation("bad_cursor", "%v", err))
		return
	}
	limit, err := parseUintParam(query.Get("limit"))
	if err != nil {
		writeError(w, escerrors.Validation("bad_limit", "%v", err))
		return
	}
	rows, err := s.audit.Events(r.Context(), after, int(limit), strings.ToLower(strings.TrimSpace(query.Get("escrow"))))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]journalView, 0, len(rows))
	for _, row := range rows {
		attrs := map[string]string{}
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			s.logger.Warn("journal row decode failed", "sequence", row.Sequence, "type", row.Type, "error", err)
			attrs = map[string]string{}
		}
		out = append(out, journalView{Sequence: row.Sequence, Type: row.Type, Attributes: attrs, CreatedAt: row.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func parseUintParam(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

func quotaValue(v *big.Int) uint64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, s.maxBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", s.maxBody)
	}
	return data, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := blake3.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}
