package sink

import (
	"github.com/prbarcelon/mcporch/internal/protocol"
	"github.com/prbarcelon/mcporch/internal/store"
)

// SQLite writes events to the daemon's store. The store outlives the sink,
// so Close leaves it open.
type SQLite struct {
	store *store.Store
}

func NewSQLite(st *store.Store) *SQLite { return &SQLite{store: st} }

func (b *SQLite) Name() string { return "sqlite" }

func (b *SQLite) Write(ev Event) error {
	switch ev.Kind {
	case KindMessage:
		return b.store.AppendMessage(ev.Session, *ev.Message)
	case KindSummary:
		return b.store.SaveSummary(ev.Session, *ev.Summary)
	case KindCall:
		res := ev.Result
		return b.store.InsertHistory(protocol.HistoryItem{
			At:         res.At,
			CallID:     res.CallID,
			Session:    ev.Session,
			Server:     res.Server,
			Tool:       res.Tool,
			Args:       ev.Request.Arguments,
			Status:     res.Status,
			Error:      res.Error,
			Attempts:   res.Attempts,
			DurationMs: res.Duration.Milliseconds(),
		}, res.Payload)
	}
	return nil
}

func (b *SQLite) Close() error { return nil }
