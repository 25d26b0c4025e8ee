package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/storage"
)

// CallRecord is one journaled tool call.
type CallRecord struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *apiError       `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	DurationMs int64           `json:"durationMs"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

func (h *Handler) record(ctx context.Context, userID string, rec *CallRecord) error {
	if h.journal == nil {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call record: %w", err)
	}
	return h.journal.Set(ctx, rec.ID, b, storage.WithUser(userID), storage.WithTTL(h.journalTTL))
}

// lookup returns nil, nil when the record does not exist for userID.
func (h *Handler) lookup(ctx context.Context, userID, id string) (*CallRecord, error) {
	item, err := h.journal.Get(ctx, id, storage.WithUser(userID))
	if err != nil || item == nil {
		return nil, err
	}
	var rec CallRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode call record %s: %w", id, err)
	}
	return &rec, nil
}

func (h *Handler) recent(ctx context.Context, userID string, limit int) ([]*CallRecord, error) {
	items, err := h.journal.List(ctx, storage.WithUser(userID), storage.WithLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]*CallRecord, 0, len(items))
	for _, it := range items {
		var rec CallRecord
		if err := json.Unmarshal(it.Data, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
