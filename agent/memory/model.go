package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

// memoryRow stores timestamps as unix nanoseconds so ordering is identical on
// both dialects.
type memoryRow struct {
	bun.BaseModel `bun:"table:memories,alias:m"`

	Seq       int64  `bun:"seq,pk,autoincrement"`
	ID        string `bun:"id,notnull,unique"`
	Type      string `bun:"type,notnull"`
	SessionID string `bun:"session_id,nullzero"`
	Content   string `bun:"content,notnull"`
	Metadata  string `bun:"metadata,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}

func toRow(rec contractx.MemoryRecord) (*memoryRow, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal metadata: %v", contractx.ErrValidation, err)
	}
	return &memoryRow{
		ID:        rec.ID,
		Type:      string(rec.Type),
		SessionID: rec.SessionID,
		Content:   rec.Content,
		Metadata:  string(raw),
		CreatedAt: rec.CreatedAt.UnixNano(),
		UpdatedAt: rec.UpdatedAt.UnixNano(),
	}, nil
}

func (r *memoryRow) record() (contractx.MemoryRecord, error) {
	meta := map[string]any{}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return contractx.MemoryRecord{}, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	return contractx.MemoryRecord{
		ID:        r.ID,
		Type:      contractx.MemoryType(r.Type),
		SessionID: r.SessionID,
		Content:   r.Content,
		Metadata:  meta,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}, nil
}

func records(rows []memoryRow) ([]contractx.MemoryRecord, error) {
	out := make([]contractx.MemoryRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SessionSummary is a per-session view used by management tooling.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Records      int       `json:"records"`
	LastActivity time.Time `json:"last_activity"`
}
