package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prbarcelon/mcporch/internal/protocol"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS call_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_utc TEXT NOT NULL,
	call_id TEXT NOT NULL,
	session TEXT,
	server TEXT NOT NULL,
	tool TEXT NOT NULL,
	args_json TEXT,
	status TEXT NOT NULL,
	payload_json TEXT,
	error TEXT,
	attempts INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_history_at ON call_history(at_utc, id);
CREATE INDEX IF NOT EXISTS idx_call_history_server_at ON call_history(server, at_utc, id);
CREATE INDEX IF NOT EXISTS idx_call_history_server_tool_at ON call_history(server, tool, at_utc, id);
CREATE INDEX IF NOT EXISTS idx_call_history_call ON call_history(call_id);

CREATE TABLE IF NOT EXISTS messages (
	session TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	call_id TEXT,
	tool_calls_json TEXT,
	at_utc TEXT NOT NULL,
	PRIMARY KEY (session, seq)
);

CREATE TABLE IF NOT EXISTS summaries (
	session TEXT NOT NULL,
	id INTEGER NOT NULL,
	from_seq INTEGER NOT NULL,
	to_seq INTEGER NOT NULL,
	text TEXT NOT NULL,
	created_at_utc TEXT NOT NULL,
	superseded INTEGER NOT NULL,
	PRIMARY KEY (session, id)
);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) InsertHistory(item protocol.HistoryItem, payload json.RawMessage) error {
	var argsJSON string
	if len(item.Args) > 0 {
		data, err := json.Marshal(item.Args)
		if err != nil {
			return fmt.Errorf("marshal history args: %w", err)
		}
		argsJSON = string(data)
	}

	_, err := s.db.Exec(`
INSERT INTO call_history (at_utc, call_id, session, server, tool, args_json, status, payload_json, error, attempts, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		item.At.UTC().Format(time.RFC3339Nano),
		item.CallID,
		item.Session,
		item.Server,
		item.Tool,
		argsJSON,
		string(item.Status),
		string(payload),
		item.Error,
		item.Attempts,
		item.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *Store) ListHistory(serverFilter string, toolFilter string, limit int) ([]protocol.HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT at_utc, call_id, session, server, tool, args_json, status, error, attempts, duration_ms FROM call_history`
	args := make([]any, 0, 3)
	where := ""
	if serverFilter != "" {
		where += " server = ?"
		args = append(args, serverFilter)
	}
	if toolFilter != "" {
		if where != "" {
			where += " AND"
		}
		where += " tool = ?"
		args = append(args, toolFilter)
	}
	if where != "" {
		query += " WHERE" + where
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]protocol.HistoryItem, 0, limit)
	for rows.Next() {
		var atUTC string
		var session sql.NullString
		var argsJSON sql.NullString
		var status string
		var errText sql.NullString
		item := protocol.HistoryItem{}
		if err := rows.Scan(&atUTC, &item.CallID, &session, &item.Server, &item.Tool, &argsJSON, &status, &errText, &item.Attempts, &item.DurationMs); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, atUTC)
		if err != nil {
			at = time.Now().UTC()
		}
		item.At = at
		item.Status = protocol.CallStatus(status)
		item.Session = session.String
		item.Error = errText.String
		if argsJSON.String != "" {
			argsMap := map[string]any{}
			if err := json.Unmarshal([]byte(argsJSON.String), &argsMap); err == nil {
				item.Args = argsMap
			}
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for left, right := 0, len(out)-1; left < right; left, right = left+1, right-1 {
		out[left], out[right] = out[right], out[left]
	}

	return out, nil
}

func (s *Store) AppendMessage(session string, msg protocol.Message) error {
	var callsJSON string
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		callsJSON = string(data)
	}
	_, err := s.db.Exec(`
INSERT INTO messages (session, seq, role, content, call_id, tool_calls_json, at_utc)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session, seq) DO NOTHING
`, session, msg.Seq, string(msg.Role), msg.Content, msg.CallID, callsJSON, msg.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the newest limit messages of a session in sequence order.
func (s *Store) ListMessages(session string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
SELECT seq, role, content, call_id, tool_calls_json, at_utc FROM messages
WHERE session = ? ORDER BY seq DESC LIMIT ?
`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []protocol.Message{}
	for rows.Next() {
		var msg protocol.Message
		var role, atUTC string
		var callID, callsJSON sql.NullString
		if err := rows.Scan(&msg.Seq, &role, &msg.Content, &callID, &callsJSON, &atUTC); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = protocol.Role(role)
		msg.CallID = callID.String
		if at, err := time.Parse(time.RFC3339Nano, atUTC); err == nil {
			msg.At = at
		}
		if callsJSON.String != "" {
			_ = json.Unmarshal([]byte(callsJSON.String), &msg.ToolCalls)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for left, right := 0, len(out)-1; left < right; left, right = left+1, right-1 {
		out[left], out[right] = out[right], out[left]
	}
	return out, nil
}

// SaveSummary inserts a summary or updates its superseded flag; summary
// rows are never deleted.
func (s *Store) SaveSummary(session string, sum protocol.MemorySummary) error {
	_, err := s.db.Exec(`
INSERT INTO summaries (session, id, from_seq, to_seq, text, created_at_utc, superseded)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session, id) DO UPDATE SET superseded=excluded.superseded
`, session, sum.ID, sum.Covers.From, sum.Covers.To, sum.Text, sum.CreatedAt.UTC().Format(time.RFC3339Nano), boolToInt(sum.Superseded))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *Store) ListSummaries(session string) ([]protocol.MemorySummary, error) {
	rows, err := s.db.Query(`
SELECT id, from_seq, to_seq, text, created_at_utc, superseded FROM summaries
WHERE session = ? ORDER BY id ASC
`, session)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := []protocol.MemorySummary{}
	for rows.Next() {
		var sum protocol.MemorySummary
		var createdUTC string
		var superseded int
		if err := rows.Scan(&sum.ID, &sum.Covers.From, &sum.Covers.To, &sum.Text, &createdUTC, &superseded); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if at, err := time.Parse(time.RFC3339Nano, createdUTC); err == nil {
			sum.CreatedAt = at
		}
		sum.Superseded = superseded == 1
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
