package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"escrowchain/config"
	"escrowchain/core/events"
	"escrowchain/core/types"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrAuditChainBroken is returned by VerifyChain when a stored entry does not
// hash to the recorded value.
var ErrAuditChainBroken = errors.New("audit chain broken")

// IdempotencyRecord caches the response of a submitted call.
type IdempotencyRecord struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:64;not null"`
	RequestID   string `gorm:"size:64"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AuditEntry is one line of the tamper-evident request log. Hash covers the
// previous entry's hash, so editing or deleting a row breaks every later one.
type AuditEntry struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RequestID string `gorm:"size:64;index"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Caller    string `gorm:"size:64;index"`
	CallType  string `gorm:"size:32"`
	EscrowID  string `gorm:"size:66;index"`
	Status    int
	Kind      string `gorm:"size:32"`
	Body      string `gorm:"type:text"`
	PrevHash  string `gorm:"size:64"`
	Hash      string `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
}

// JournalEvent is a persisted engine or ledger notification.
type JournalEvent struct {
	Sequence   uint64 `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"size:64;index"`
	EscrowID   string `gorm:"size:66;index"`
	Attributes string `gorm:"type:text"`
	CreatedAt  time.Time
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// AuditStore persists idempotency keys, the audit chain and the event journal.
type AuditStore struct {
	db    *gorm.DB
	nowFn func() time.Time

	mu       sync.Mutex
	lastHash string
	loaded   bool
}

// OpenAuditStore connects to sqlite or postgres and migrates the schema.
func OpenAuditStore(driver, dsn string) (*AuditStore, error) {
	var dialector gorm.Dialector
	singleConn := false
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case config.DriverSQLite, "":
		dialector = sqlite.Open(dsn)
		singleConn = true
	case config.DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit store: open: %w", err)
	}
	if singleConn {
		// sqlite allows one writer; queue on the pool instead of failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("audit store: pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}, &AuditEntry{}, &JournalEvent{}); err != nil {
		return nil, fmt.Errorf("audit store: migrate: %w", err)
	}
	return &AuditStore{db: db, nowFn: time.Now}, nil
}

// Close releases the connection pool.
func (s *AuditStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LookupIdempotency returns the cached response for key, nil when unseen.
func (s *AuditStore) LookupIdempotency(ctx context.Context, key, requestHash string) (*StoredResponse, error) {
	var record IdempotencyRecord
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: record.Status, Body: []byte(record.Response)}, nil
}

// SaveIdempotency stores the response for key.
func (s *AuditStore) SaveIdempotency(ctx context.Context, key, requestHash, requestID string, status int, body []byte) error {
	record := IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		RequestID:   requestID,
		Status:      status,
		Response:    string(body),
		CreatedAt:   s.nowFn().UTC(),
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

func auditHash(prev string, e *AuditEntry) string {
	buf := bytes.NewBuffer(nil)
	for _, field := range []string{prev, e.RequestID, e.Method, e.Path, e.Caller, e.CallType, e.EscrowID, e.Kind, e.Body} {
		_ = binary.Write(buf, binary.BigEndian, uint32(len(field)))
		buf.WriteString(field)
	}
	_ = binary.Write(buf, binary.BigEndian, int64(e.Status))
	_ = binary.Write(buf, binary.BigEndian, e.CreatedAt.UTC().UnixNano())
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// AppendAudit links entry to the chain and stores it.
func (s *AuditStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		var last AuditEntry
		err := s.db.WithContext(ctx).Order("id desc").Limit(1).Find(&last).Error
		if err != nil {
			return err
		}
		s.lastHash = last.Hash
		s.loaded = true
	}
	entry.ID = 0
	entry.CreatedAt = s.nowFn().UTC().Truncate(time.Microsecond)
	entry.PrevHash = s.lastHash
	entry.Hash = auditHash(entry.PrevHash, &entry)
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return err
	}
	s.lastHash = entry.Hash
	return nil
}

// AuditLog returns entries in insertion order.
func (s *AuditStore) AuditLog(ctx context.Context) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.WithContext(ctx).Order("id asc").Find(&entries).Error
	return entries, err
}

// VerifyChain recomputes every hash in the audit log.
func (s *AuditStore) VerifyChain(ctx context.Context) error {
	entries, err := s.AuditLog(ctx)
	if err != nil {
		return err
	}
	prev := ""
	for i := range entries {
		e := entries[i]
		if e.PrevHash != prev || auditHash(prev, &e) != e.Hash {
			return fmt.Errorf("%w at entry %d", ErrAuditChainBroken, e.ID)
		}
		prev = e.Hash
	}
	return nil
}

// AppendEvent stores a rendered notification in the journal.
func (s *AuditStore) AppendEvent(evt *types.Event) error {
	if evt == nil {
		return nil
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	row := JournalEvent{
		Type:       evt.Type,
		EscrowID:   evt.Attributes["id"],
		Attributes: string(attrs),
		CreatedAt:  s.nowFn().UTC(),
	}
	return s.db.Create(&row).Error
}

// Events pages through the journal. escrowID filters when non-empty.
func (s *AuditStore) Events(ctx context.Context, after uint64, limit int, escrowID string) ([]JournalEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("sequence > ?", after)
	if escrowID != "" {
		query = query.Where("escrow_id = ?", escrowID)
	}
	var rows []JournalEvent
	err := query.Order("sequence asc").Limit(limit).Find(&rows).Error
	return rows, err
}

// journalSink persists every notification that crosses the bus.
type journalSink struct {
	store  *AuditStore
	onFail func(error)
}

func (j journalSink) Emit(evt events.Event) {
	if err := j.store.AppendEvent(events.Render(evt)); err != nil && j.onFail != nil {
		j.onFail(err)
	}
}
