// Package memory is the tiered memory store: working, episodic and semantic
// records persisted through bun on SQLite or Postgres.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"

	_ "modernc.org/sqlite"
)

// Store is safe for concurrent use. Writes to the same session are
// serialized; different sessions write in parallel.
type Store struct {
	db         *bun.DB
	summarizer contractx.Summarizer
	cfg        Config
	locks      *sessionLocks

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

var _ contractx.MemoryStore = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects, migrates and health-checks the store. A nil summarizer
// folds working memory with the extractive fallback only.
func Open(ctx context.Context, cfg Config, summarizer contractx.Summarizer, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		summarizer: summarizer,
		cfg:        cfg,
		locks:      newSessionLocks(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if err := s.Health(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openDB(cfg Config) (*bun.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if cfg.isPostgres() {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		if cfg.MaxOpenConns > 0 {
			sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	}

	sqldb, err := sql.Open("sqlite", sqliteDSN(dsn, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// a single connection keeps ":memory:" databases alive and avoids
	// SQLITE_BUSY between our own writers.
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func sqliteDSN(dsn string, busy time.Duration) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if busy <= 0 {
		busy = 5 * time.Second
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	pragmas := fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds())
	if dsn != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	return dsn + sep + pragmas
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*memoryRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*memoryRow)(nil)).
		Index("memories_session_type_created_idx").
		Column("session_id", "type", "created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create memories index: %w", err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("memory store ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// stamp returns strictly increasing timestamps so newest-first ordering is
// total even when the wall clock does not advance between writes.
func (s *Store) stamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *Store) prepare(rec contractx.MemoryRecord) (contractx.MemoryRecord, error) {
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if !rec.Type.Valid() {
		return rec, fmt.Errorf("%w: unknown memory type %q", contractx.ErrValidation, rec.Type)
	}
	if strings.TrimSpace(rec.Content) == "" {
		return rec, fmt.Errorf("%w: memory content is empty", contractx.ErrValidation)
	}
	if rec.Type == contractx.MemoryWorking && rec.SessionID == "" {
		return rec, fmt.Errorf("%w: working memory requires a session id", contractx.ErrValidation)
	}
	if rec.Type == contractx.MemorySemantic {
		rec.SessionID = ""
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	now := s.stamp()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

// Write persists rec and returns its id once committed.
func (s *Store) Write(ctx context.Context, rec contractx.MemoryRecord) (string, error) {
	ids, err := s.WriteBatch(ctx, []contractx.MemoryRecord{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// WriteBatch persists recs in one transaction and returns their ids in input
// order. Working records in a batch must share a session; when they would
// push it past the turn limit the oldest records fold into one summary in the
// same transaction, so either every record lands or none does.
func (s *Store) WriteBatch(ctx context.Context, recs []contractx.MemoryRecord) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	rows := make([]*memoryRow, 0, len(recs))
	ids := make([]string, 0, len(recs))
	sessionID := ""
	working := 0
	for _, rec := range recs {
		rec, err := s.prepare(rec)
		if err != nil {
			return nil, err
		}
		if rec.Type == contractx.MemoryWorking {
			if working > 0 && rec.SessionID != sessionID {
				return nil, fmt.Errorf("%w: batch spans sessions %q and %q", contractx.ErrValidation, sessionID, rec.SessionID)
			}
			sessionID = rec.SessionID
			working++
		}
		row, err := toRow(rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
		ids = append(ids, rec.ID)
	}

	if working == 0 {
		if err := s.insert(ctx, nil, nil, rows); err != nil {
			return nil, err
		}
		return ids, nil
	}
	if working >= s.cfg.WorkingTurnLimit {
		return nil, fmt.Errorf("%w: batch of %d working records exceeds turn limit %d",
			contractx.ErrValidation, working, s.cfg.WorkingTurnLimit)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	existing, err := s.db.NewSelect().
		Model((*memoryRow)(nil)).
		Where("m.session_id = ?", sessionID).
		Where("m.type = ?", string(contractx.MemoryWorking)).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count working memory: %w", err)
	}

	if existing+working <= s.cfg.WorkingTurnLimit {
		if err := s.insert(ctx, nil, nil, rows); err != nil {
			return nil, err
		}
		return ids, nil
	}

	// the summary takes one slot, so fold enough to leave room for it
	foldCount := existing + working - s.cfg.WorkingTurnLimit + 1
	var oldest []memoryRow
	if err := s.db.NewSelect().
		Model(&oldest).
		Where("m.session_id = ?", sessionID).
		Where("m.type = ?", string(contractx.MemoryWorking)).
		OrderExpr("m.created_at ASC, m.seq ASC").
		Limit(foldCount).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("select records to fold: %w", err)
	}
	folded, err := records(oldest)
	if err != nil {
		return nil, err
	}

	summaryRow, err := s.buildSummary(ctx, sessionID, folded)
	if err != nil {
		return nil, err
	}

	foldedIDs := make([]string, 0, len(oldest))
	for _, r := range oldest {
		foldedIDs = append(foldedIDs, r.ID)
	}

	if err := s.insert(ctx, foldedIDs, summaryRow, rows); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("folded", len(foldedIDs)).
		Int("batch", len(rows)).
		Msg("working_memory_folded")
	return ids, nil
}

// insert runs the fold and the batch inserts in a single transaction.
func (s *Store) insert(ctx context.Context, foldedIDs []string, summary *memoryRow, rows []*memoryRow) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(foldedIDs) > 0 {
			res, err := tx.NewDelete().
				Model((*memoryRow)(nil)).
				Where("id IN (?)", bun.In(foldedIDs)).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("delete folded records: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && int(n) != len(foldedIDs) {
				return fmt.Errorf("delete folded records: removed %d of %d", n, len(foldedIDs))
			}
		}
		if summary != nil {
			if _, err := tx.NewInsert().Model(summary).Exec(ctx); err != nil {
				return fmt.Errorf("insert summary: %w", err)
			}
		}
		for _, row := range rows {
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return fmt.Errorf("insert memory: %w", err)
			}
		}
		return nil
	})
}

// Read returns matching records newest-first.
func (s *Store) Read(ctx context.Context, filter contractx.MemoryFilter) ([]contractx.MemoryRecord, error) {
	var rows []memoryRow
	q := s.db.NewSelect().Model(&rows)
	if filter.Type != "" {
		if !filter.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown memory type %q", contractx.ErrValidation, filter.Type)
		}
		q = q.Where("m.type = ?", string(filter.Type))
	}
	if sid := strings.TrimSpace(filter.SessionID); sid != "" {
		q = q.Where("m.session_id = ?", sid)
	}
	q = q.OrderExpr("m.created_at DESC, m.seq DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	return records(rows)
}

func (s *Store) Get(ctx context.Context, id string) (contractx.MemoryRecord, error) {
	row, err := s.getRow(ctx, s.db, id)
	if err != nil {
		return contractx.MemoryRecord{}, err
	}
	return row.record()
}

func (s *Store) getRow(ctx context.Context, db bun.IDB, id string) (*memoryRow, error) {
	row := new(memoryRow)
	err := db.NewSelect().Model(row).Where("m.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s", contractx.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return row, nil
}

// Update replaces content when set and merges metadata; a nil metadata value
// removes the key.
func (s *Store) Update(ctx context.Context, id string, patch contractx.MemoryPatch) (contractx.MemoryRecord, error) {
	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		return contractx.MemoryRecord{}, fmt.Errorf("%w: memory content is empty", contractx.ErrValidation)
	}

	var updated contractx.MemoryRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row, err := s.getRow(ctx, tx, id)
		if err != nil {
			return err
		}
		rec, err := row.record()
		if err != nil {
			return err
		}

		if patch.Content != nil {
			rec.Content = *patch.Content
		}
		for k, v := range patch.Metadata {
			if v == nil {
				delete(rec.Metadata, k)
				continue
			}
			rec.Metadata[k] = v
		}
		rec.UpdatedAt = s.stamp()

		next, err := toRow(rec)
		if err != nil {
			return err
		}
		next.Seq = row.Seq
		if _, err := tx.NewUpdate().
			Model(next).
			Column("content", "metadata", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("update memory %s: %w", id, err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		return contractx.MemoryRecord{}, err
	}
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.NewDelete().
		Model((*memoryRow)(nil)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: memory %s", contractx.ErrNotFound, id)
	}
	return nil
}

// DeleteBySession removes a session's records, optionally of one type, and
// reports how many were removed.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string, memType contractx.MemoryType) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("%w: session id is required", contractx.ErrValidation)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	q := s.db.NewDelete().Model((*memoryRow)(nil)).Where("session_id = ?", sessionID)
	if memType != "" {
		q = q.Where("type = ?", string(memType))
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return int(n), nil
}

type sessionRow struct {
	SessionID      string `bun:"session_id"`
	Records        int    `bun:"records"`
	LastActivityNs int64  `bun:"last_activity_ns"`
}

// ListSessions returns sessions ordered by latest activity.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	var rows []sessionRow
	q := s.db.NewSelect().
		Model((*memoryRow)(nil)).
		ColumnExpr("m.session_id AS session_id").
		ColumnExpr("COUNT(*) AS records").
		ColumnExpr("MAX(m.created_at) AS last_activity_ns").
		Where("m.session_id IS NOT NULL").
		GroupExpr("m.session_id").
		OrderExpr("last_activity_ns DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]SessionSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, SessionSummary{
			SessionID:    r.SessionID,
			Records:      r.Records,
			LastActivity: time.Unix(0, r.LastActivityNs).UTC(),
		})
	}
	return out, nil
}

// buildSummary asks the summarizer for a fold of the given records, in
// chronological order, and falls back to an extractive summary.
func (s *Store) buildSummary(ctx context.Context, sessionID string, folded []contractx.MemoryRecord) (*memoryRow, error) {
	turns := make([]string, 0, len(folded))
	foldedTotal := 0
	for _, rec := range folded {
		turns = append(turns, formatTurn(rec))
		foldedTotal += foldedCount(rec)
	}

	source := "oracle"
	text, err := s.summarize(ctx, turns)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("memory_summary_fallback")
		}
		source = "fallback"
		text = extractiveSummary(turns)
	}
	metricsx.MemoryFolds.WithLabelValues(source).Inc()

	createdAt := folded[0].CreatedAt
	summary := contractx.MemoryRecord{
		ID:        uuid.NewString(),
		Type:      contractx.MemoryWorking,
		SessionID: sessionID,
		Content:   strings.TrimSpace(text),
		Metadata: map[string]any{
			contractx.MetadataIsSummary: true,
			"role":                      "summary",
			"folded_count":              foldedTotal,
			"summary_source":            source,
		},
		CreatedAt: createdAt,
		UpdatedAt: s.stamp(),
	}
	return toRow(summary)
}

func (s *Store) summarize(ctx context.Context, turns []string) (string, error) {
	if s.summarizer == nil {
		return "", nil
	}
	if s.cfg.SummaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SummaryTimeout)
		defer cancel()
	}
	return s.summarizer.Summarize(ctx, turns)
}

func foldedCount(rec contractx.MemoryRecord) int {
	if !rec.IsSummary() {
		return 1
	}
	switch v := rec.Metadata["folded_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 1
}

func formatTurn(rec contractx.MemoryRecord) string {
	if rec.IsSummary() {
		return "earlier summary: " + rec.Content
	}
	if role, ok := rec.Metadata["role"].(string); ok && role != "" {
		return role + ": " + rec.Content
	}
	return rec.Content
}

const (
	fallbackTurnChars  = 200
	fallbackTotalChars = 2000
)

func extractiveSummary(turns []string) string {
	var b strings.Builder
	for _, t := range turns {
		line := []rune(strings.Join(strings.Fields(t), " "))
		if len(line) > fallbackTurnChars {
			line = append(line[:fallbackTurnChars], '…')
		}
		if b.Len()+len(string(line))+1 > fallbackTotalChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(line))
	}
	return b.String()
}
