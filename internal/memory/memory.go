package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

// SummaryPrefix starts the system message that carries the active summary.
const SummaryPrefix = "Conversation Summary: "

const summarizeTimeout = 2 * time.Minute

// Summarizer condenses messages, given the previous summary (possibly
// empty) as prior context.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, msgs []protocol.Message) (string, error)
}

// Recorder receives appended messages and created or superseded summaries.
type Recorder interface {
	RecordMessage(session string, msg protocol.Message)
	RecordSummary(session string, sum protocol.MemorySummary)
}

// SummarizationFailure is logged when the summarizer fails or its output
// does not bring the context under the threshold; truncation follows.
type SummarizationFailure struct {
	Session string
	Err     error
}

func (e *SummarizationFailure) Error() string {
	return fmt.Sprintf("summarize session %s: %v", e.Session, e.Err)
}

func (e *SummarizationFailure) Unwrap() error { return e.Err }

type Options struct {
	Unit       string
	Threshold  int
	KeepRecent int
	TruncateTo int
}

func OptionsFrom(cfg config.MemoryConfig) Options {
	return Options{Unit: cfg.Unit, Threshold: cfg.Threshold, KeepRecent: cfg.KeepRecent, TruncateTo: cfg.TruncateTo}
}

func (o Options) withDefaults() Options {
	if o.Unit == "" {
		o.Unit = config.UnitMessages
	}
	if o.Threshold <= 0 {
		o.Threshold = 10
		if o.Unit == config.UnitTokens {
			o.Threshold = 8000
		}
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = 4
	}
	if o.TruncateTo <= 0 {
		o.TruncateTo = 3
	}
	if o.Unit == config.UnitMessages {
		// the summary and the truncation note each take one slot
		o.KeepRecent = min(o.KeepRecent, o.Threshold-1)
		o.TruncateTo = min(o.TruncateTo, o.Threshold-1)
	}
	return o
}

// EstimateTokens approximates a token count as chars/4, at least 1 for
// non-empty text.
func EstimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	if n/4 == 0 {
		return 1
	}
	return n / 4
}

// Memory is the history of one session. Messages are never removed; the
// effective context is the active summary followed by every message after
// the summarized or truncated range.
type Memory struct {
	session    string
	opts       Options
	summarizer Summarizer
	rec        Recorder
	log        *zap.Logger

	compact sync.Mutex

	mu          sync.Mutex
	nextSeq     int64
	messages    []protocol.Message
	start       int
	floor       int
	summaries   []protocol.MemorySummary
	active      int
	truncations int
}

func New(session string, opts Options, summarizer Summarizer, rec Recorder, log *zap.Logger) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		session:    session,
		opts:       opts.withDefaults(),
		summarizer: summarizer,
		rec:        rec,
		log:        log.With(zap.String("session", session)),
		nextSeq:    1,
		active:     -1,
	}
}

// Restore rebuilds the state from persisted history. The window starts
// after the range covered by the last active summary.
func (m *Memory) Restore(msgs []protocol.Message, sums []protocol.MemorySummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append([]protocol.Message(nil), msgs...)
	m.summaries = append([]protocol.MemorySummary(nil), sums...)
	m.active = -1
	for i := len(m.summaries) - 1; i >= 0; i-- {
		if !m.summaries[i].Superseded {
			m.active = i
			break
		}
	}
	m.start, m.floor = 0, 0
	if m.active >= 0 {
		covers := m.summaries[m.active].Covers
		for m.floor < len(m.messages) && m.messages[m.floor].Seq < covers.From {
			m.floor++
		}
		for m.start < len(m.messages) && m.messages[m.start].Seq <= covers.To {
			m.start++
		}
	}
	if n := len(m.messages); n > 0 {
		m.nextSeq = m.messages[n-1].Seq + 1
	}
}

func (m *Memory) Session() string { return m.session }

// Append stores msg with the next sequence number and compacts the context
// once it exceeds the threshold.
func (m *Memory) Append(ctx context.Context, msg protocol.Message) protocol.Message {
	m.mu.Lock()
	msg = m.appendLocked(msg)
	over := m.sizeLocked() > m.opts.Threshold
	m.mu.Unlock()

	if m.rec != nil {
		m.rec.RecordMessage(m.session, msg)
	}
	if over {
		m.compactContext(ctx)
	}
	return msg
}

func (m *Memory) appendLocked(msg protocol.Message) protocol.Message {
	msg.Seq = m.nextSeq
	m.nextSeq++
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	m.messages = append(m.messages, msg)
	return msg
}

func (m *Memory) weight(msg protocol.Message) int {
	if m.opts.Unit == config.UnitTokens {
		return EstimateTokens(msg.Content)
	}
	return 1
}

func (m *Memory) summaryMessageLocked() (protocol.Message, bool) {
	if m.active < 0 {
		return protocol.Message{}, false
	}
	sum := m.summaries[m.active]
	return protocol.Message{Role: protocol.RoleSystem, Content: SummaryPrefix + sum.Text, At: sum.CreatedAt}, true
}

func (m *Memory) sizeLocked() int {
	size := 0
	if msg, ok := m.summaryMessageLocked(); ok {
		size += m.weight(msg)
	}
	for _, msg := range m.messages[m.start:] {
		size += m.weight(msg)
	}
	return size
}

// cutLocked picks the index that leaves the most recent KeepRecent messages
// in the window. Tool results are never separated from the window's start.
func (m *Memory) cutLocked() int {
	cut := len(m.messages) - m.opts.KeepRecent
	if cut < m.start {
		cut = m.start
	}
	for cut < len(m.messages) && m.messages[cut].Role == protocol.RoleTool {
		cut++
	}
	return cut
}

func (m *Memory) compactContext(ctx context.Context) {
	m.compact.Lock()
	defer m.compact.Unlock()

	m.mu.Lock()
	if m.sizeLocked() <= m.opts.Threshold {
		m.mu.Unlock()
		return
	}
	cut := m.cutLocked()
	start := m.start
	prior := ""
	from := int64(0)
	if m.active >= 0 {
		prior = m.summaries[m.active].Text
		from = m.summaries[m.active].Covers.From
	}
	if from == 0 && start < len(m.messages) {
		from = m.messages[start].Seq
	}
	batch := append([]protocol.Message(nil), m.messages[start:cut]...)
	m.mu.Unlock()

	var failure error
	switch {
	case cut == start:
		failure = fmt.Errorf("nothing to summarize outside the %d most recent messages", m.opts.KeepRecent)
	case m.summarizer == nil:
		failure = fmt.Errorf("no summarizer configured")
	default:
		// Summarizing outlives the caller: a turn cancelled mid-append must
		// not force a lossy truncation while the model is still reachable.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summarizeTimeout)
		text, err := m.summarizer.Summarize(sctx, prior, batch)
		cancel()
		if err != nil {
			failure = err
		} else if text == "" {
			failure = fmt.Errorf("empty summary")
		} else if m.applySummary(start, cut, from, batch[len(batch)-1].Seq, text) {
			return
		} else {
			failure = fmt.Errorf("summary leaves context above threshold %d", m.opts.Threshold)
		}
	}

	m.log.Warn("summarization failed, truncating", zap.Error(&SummarizationFailure{Session: m.session, Err: failure}))
	m.truncate()
}

// applySummary installs the new summary and reports whether the context
// now fits.
func (m *Memory) applySummary(start, cut int, from, to int64, text string) bool {
	m.mu.Lock()
	if m.start != start {
		m.mu.Unlock()
		return true
	}
	var superseded *protocol.MemorySummary
	if m.active >= 0 {
		m.summaries[m.active].Superseded = true
		s := m.summaries[m.active]
		superseded = &s
	}
	sum := protocol.MemorySummary{
		ID:        int64(len(m.summaries) + 1),
		Covers:    protocol.SeqRange{From: from, To: to},
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	m.summaries = append(m.summaries, sum)
	m.active = len(m.summaries) - 1
	m.start = cut
	fits := m.sizeLocked() <= m.opts.Threshold
	m.mu.Unlock()

	if m.rec != nil {
		if superseded != nil {
			m.rec.RecordSummary(m.session, *superseded)
		}
		m.rec.RecordSummary(m.session, sum)
	}
	m.log.Info("conversation summarized",
		zap.Int64("from", from), zap.Int64("to", to), zap.Int("summary_count", len(m.summaries)))
	return fits
}

// truncate keeps the most recent TruncateTo messages, drops the active
// summary from the context and records the loss as a system message.
func (m *Memory) truncate() {
	m.mu.Lock()
	var superseded *protocol.MemorySummary
	if m.active >= 0 {
		m.summaries[m.active].Superseded = true
		s := m.summaries[m.active]
		superseded = &s
		m.active = -1
	}

	keep := m.opts.TruncateTo
	if keep > len(m.messages)-m.start {
		keep = len(m.messages) - m.start
	}
	newStart := len(m.messages) - keep
	noteFor := func(start int) protocol.Message {
		return protocol.Message{
			Role:    protocol.RoleSystem,
			Content: fmt.Sprintf("Earlier conversation truncated: %d messages dropped without summary.", start-m.floor),
		}
	}
	if m.opts.Unit == config.UnitTokens {
		// the newest message always stays
		for newStart < len(m.messages)-1 && m.windowWeight(newStart)+m.weight(noteFor(newStart)) > m.opts.Threshold {
			newStart++
		}
	}
	dropped := newStart - m.floor
	note := noteFor(newStart)
	m.start, m.floor = newStart, newStart
	m.truncations++
	note = m.appendLocked(note)
	m.mu.Unlock()

	if m.rec != nil {
		if superseded != nil {
			m.rec.RecordSummary(m.session, *superseded)
		}
		m.rec.RecordMessage(m.session, note)
	}
	m.log.Warn("conversation truncated", zap.Int("dropped", dropped), zap.Int("kept", keep))
}

func (m *Memory) windowWeight(from int) int {
	size := 0
	for _, msg := range m.messages[from:] {
		size += m.weight(msg)
	}
	return size
}

// Context returns the effective context handed to the model.
func (m *Memory) Context() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Message, 0, len(m.messages)-m.start+1)
	if msg, ok := m.summaryMessageLocked(); ok {
		out = append(out, msg)
	}
	return append(out, m.messages[m.start:]...)
}

// History returns the newest limit raw messages (all when limit <= 0).
func (m *Memory) History(limit int) []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := 0
	if limit > 0 && len(m.messages) > limit {
		from = len(m.messages) - limit
	}
	return append([]protocol.Message(nil), m.messages[from:]...)
}

func (m *Memory) Info() protocol.MemoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := protocol.MemoryInfo{
		Session:      m.session,
		MessageCount: len(m.messages),
		ContextSize:  m.sizeLocked(),
		Threshold:    m.opts.Threshold,
		Unit:         m.opts.Unit,
		SummaryCount: len(m.summaries),
		Truncations:  m.truncations,
		Summaries:    append([]protocol.MemorySummary(nil), m.summaries...),
	}
	if m.active >= 0 {
		s := m.summaries[m.active]
		info.ActiveSummary = &s
	}
	return info
}

// Clear empties the context. History and summaries are kept and sequence
// numbers continue.
func (m *Memory) Clear() {
	m.mu.Lock()
	var superseded *protocol.MemorySummary
	if m.active >= 0 {
		m.summaries[m.active].Superseded = true
		s := m.summaries[m.active]
		superseded = &s
		m.active = -1
	}
	m.start, m.floor = len(m.messages), len(m.messages)
	m.mu.Unlock()
	if superseded != nil && m.rec != nil {
		m.rec.RecordSummary(m.session, *superseded)
	}
}
