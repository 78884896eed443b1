package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/pkg/memory"
	"github.com/malcolmhoward/dawn/pkg/memory/postgres"
	"github.com/malcolmhoward/dawn/pkg/provider/embeddings"
)

// durableHistoryRecency is how far back GetRecent looks when Load replays a
// reconnecting session's history; older turns stay in Postgres but are not
// replayed to the client.
const durableHistoryRecency = 24 * time.Hour

// postgresHistoryStore adapts a [postgres.Store] (keyed by string session
// IDs, teacher-shaped [memory.TranscriptEntry] rows) to [session.HistoryStore]
// (keyed by [session.ID], [session.HistoryEntry] rows). When embed is
// non-nil, every appended entry is also embedded and indexed into the L2
// semantic store; indexing failures are logged, never propagated, since the
// L1 write is what durability actually depends on.
type postgresHistoryStore struct {
	store  *postgres.Store
	embed  embeddings.Provider
	logger *slog.Logger
}

var _ session.HistoryStore = (*postgresHistoryStore)(nil)

func newPostgresHistoryStore(store *postgres.Store, embed embeddings.Provider, logger *slog.Logger) *postgresHistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &postgresHistoryStore{store: store, embed: embed, logger: logger}
}

// Append implements session.HistoryStore.
func (h *postgresHistoryStore) Append(id session.ID, entry session.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := strconv.FormatUint(uint64(id), 10)
	err := h.store.L1().WriteEntry(ctx, sid, memory.TranscriptEntry{
		SpeakerID:   string(entry.Role),
		SpeakerName: string(entry.Role),
		Text:        entry.Content,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("app: append history: %w", err)
	}

	if h.embed != nil {
		h.indexChunk(ctx, sid, entry)
	}
	return nil
}

func (h *postgresHistoryStore) indexChunk(ctx context.Context, sessionID string, entry session.HistoryEntry) {
	vec, err := h.embed.Embed(ctx, entry.Content)
	if err != nil {
		h.logger.Warn("app: embed history entry failed, skipping semantic index", "error", err)
		return
	}
	chunk := memory.Chunk{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   entry.Content,
		Embedding: vec,
		SpeakerID: string(entry.Role),
		Timestamp: time.Now(),
	}
	if err := h.store.L2().IndexChunk(ctx, chunk); err != nil {
		h.logger.Warn("app: index history chunk failed", "error", err)
	}
}

// Load implements session.HistoryStore, replaying the last
// durableHistoryRecency of conversation for a reconnecting session.
func (h *postgresHistoryStore) Load(id session.ID) ([]session.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := strconv.FormatUint(uint64(id), 10)
	rows, err := h.store.L1().GetRecent(ctx, sid, durableHistoryRecency)
	if err != nil {
		return nil, fmt.Errorf("app: load history: %w", err)
	}

	entries := make([]session.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, session.HistoryEntry{
			Role:    session.Role(r.SpeakerID),
			Content: r.Text,
		})
	}
	return entries, nil
}
