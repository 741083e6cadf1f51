// Package contextmgr keeps a per-session sliding window of conversation
// text, assembles budgeted context for each model turn and compresses old
// turns into a rolling summary in the background.
//
// Key properties:
//   - Assembly never blocks on summarization; it reads whatever summary is
//     current.
//   - The summary plus entity block gets at most SummaryRatio of the budget,
//     recent messages fill the rest newest-first, and the latest message is
//     always included.
//   - Summarization runs outside the session lock. A failed or malformed run
//     leaves the session state exactly as it was.
package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/llm/summarizer"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/metrics"
)

// Defaults mirror config.DefaultConfig.
const (
	DefaultThreshold        = 25
	DefaultKeepRecent       = 10
	DefaultSummaryRatio     = 0.30
	DefaultSummarizeTimeout = 15 * time.Second
)

var (
	// ErrSummaryInProgress is returned when a summarization is already running
	// for the session.
	ErrSummaryInProgress = errors.New("summarization already in progress")
	// ErrNoBackend is returned by Summarize when no backend is configured.
	ErrNoBackend = errors.New("no summarization backend configured")
)

// Options configures a Manager.
type Options struct {
	Threshold        int
	KeepRecent       int
	SummaryRatio     float64
	SummarizeTimeout time.Duration
	Counter          summarizer.TokenCounter
	Backend          summarizer.Backend
	Logger           *zap.Logger
}

// State is a point-in-time copy of one session's context.
type State struct {
	Recent      []types.Message
	Summary     string
	Entities    map[string]string
	Summarizing bool
	// Added counts every message ever recorded for the session.
	Added int
}

type sessionState struct {
	mu          sync.Mutex
	recent      []types.Message
	summary     string
	entities    map[string]string
	summarizing bool
	added       int
}

// Manager owns the context state of every session.
type Manager struct {
	threshold  int
	keepRecent int
	ratio      float64
	timeout    time.Duration
	counter    summarizer.TokenCounter
	backend    summarizer.Backend
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState

	wg sync.WaitGroup
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = DefaultKeepRecent
	}
	if opts.SummaryRatio <= 0 || opts.SummaryRatio >= 1 {
		opts.SummaryRatio = DefaultSummaryRatio
	}
	if opts.SummarizeTimeout <= 0 {
		opts.SummarizeTimeout = DefaultSummarizeTimeout
	}
	if opts.Counter == nil {
		opts.Counter = summarizer.EstimateCounter{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		threshold:  opts.Threshold,
		keepRecent: opts.KeepRecent,
		ratio:      opts.SummaryRatio,
		timeout:    opts.SummarizeTimeout,
		counter:    opts.Counter,
		backend:    opts.Backend,
		logger:     opts.Logger,
		sessions:   make(map[string]*sessionState),
	}
}

func (m *Manager) state(sessionID string, create bool) *sessionState {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok || !create {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.sessions[sessionID]; !ok {
		st = &sessionState{entities: make(map[string]string)}
		m.sessions[sessionID] = st
	}
	return st
}

// AddMessage appends a user or assistant message to the session window.
// Empty content is ignored.
func (m *Manager) AddMessage(sessionID, role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	st := m.state(sessionID, true)
	st.mu.Lock()
	st.recent = append(st.recent, types.Message{Role: role, Content: content})
	st.added++
	st.mu.Unlock()
}

// ShouldSummarize reports whether the window has grown past the threshold
// and no summarization is in flight.
func (m *Manager) ShouldSummarize(sessionID string) bool {
	if m.backend == nil {
		return false
	}
	st := m.state(sessionID, false)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.recent) > m.threshold && !st.summarizing
}

// BuildContextMessages assembles the messages for the next turn. The
// budget is contextWindow minus both reservations. When a summary or
// entities exist they come first as a single system message; callers whose
// provider takes the system prompt separately can use SplitSystem.
func (m *Manager) BuildContextMessages(ctx context.Context, sessionID string, contextWindow, reservedSystem, reservedOther int) []types.Message {
	st := m.state(sessionID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	recent := append([]types.Message(nil), st.recent...)
	block := renderSummaryBlock(st.summary, st.entities)
	st.mu.Unlock()

	if len(recent) == 0 && block == "" {
		return nil
	}

	budget := contextWindow - reservedSystem - reservedOther
	if budget < 0 {
		budget = 0
	}

	var out []types.Message
	used := 0
	if block != "" {
		block = m.fit(ctx, block, int(float64(budget)*m.ratio))
		if block != "" {
			used = m.counter.Count(ctx, block)
			out = append(out, types.Message{Role: types.RoleSystem, Content: block})
		}
	}

	remaining := budget - used
	start := len(recent)
	for i := len(recent) - 1; i >= 0; i-- {
		cost := m.counter.Count(ctx, recent[i].Content)
		if i < len(recent)-1 && cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}
	kept := recent[start:]
	// Conversations must open with a user turn.
	for len(kept) > 1 && kept[0].Role != types.RoleUser {
		kept = kept[1:]
	}
	return append(out, kept...)
}

// fit truncates text until it is within limit tokens.
func (m *Manager) fit(ctx context.Context, text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	for text != "" {
		n := m.counter.Count(ctx, text)
		if n <= limit {
			return text
		}
		cut := len(text) * limit / n
		if cut >= len(text) {
			cut = len(text) - 1
		}
		text = strings.TrimRight(truncateRunes(text, cut), " \n")
	}
	return ""
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// CountTokens counts text with the manager's tokenizer.
func (m *Manager) CountTokens(ctx context.Context, text string) int {
	return m.counter.Count(ctx, text)
}

// SplitSystem separates a leading system message from the rest.
func SplitSystem(msgs []types.Message) (string, []types.Message) {
	if len(msgs) > 0 && msgs[0].Role == types.RoleSystem {
		return msgs[0].Content, msgs[1:]
	}
	return "", msgs
}

func renderSummaryBlock(summary string, entities map[string]string) string {
	if summary == "" && len(entities) == 0 {
		return ""
	}
	var b strings.Builder
	if summary != "" {
		b.WriteString("Summary of the earlier conversation:\n")
		b.WriteString(summary)
	}
	if len(entities) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Known entities:\n")
		keys := make([]string, 0, len(entities))
		for k := range entities {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, entities[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ─── Summarization ───────────────────────────────────────────────────────────

type snapshot struct {
	st       *sessionState
	summary  string
	entities map[string]string
	old      []types.Message
}

// begin claims the session for summarization. It returns nil when there is
// nothing to compress.
func (m *Manager) begin(sessionID string) (*snapshot, error) {
	if m.backend == nil {
		return nil, ErrNoBackend
	}
	st := m.state(sessionID, false)
	if st == nil {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.summarizing {
		return nil, ErrSummaryInProgress
	}
	if len(st.recent) <= m.keepRecent {
		return nil, nil
	}
	st.summarizing = true
	entities := make(map[string]string, len(st.entities))
	for k, v := range st.entities {
		entities[k] = v
	}
	return &snapshot{
		st:       st,
		summary:  st.summary,
		entities: entities,
		old:      append([]types.Message(nil), st.recent[:len(st.recent)-m.keepRecent]...),
	}, nil
}

// Summarize compresses everything but the last KeepRecent messages into the
// session summary. It blocks until the backend answers or the timeout hits.
func (m *Manager) Summarize(ctx context.Context, sessionID string) error {
	snap, err := m.begin(sessionID)
	if err != nil || snap == nil {
		return err
	}
	return m.run(ctx, sessionID, snap)
}

// MaybeSummarizeAsync starts a background summarization when the session
// needs one. It reports whether a run was started.
func (m *Manager) MaybeSummarizeAsync(sessionID string) bool {
	if !m.ShouldSummarize(sessionID) {
		return false
	}
	snap, err := m.begin(sessionID)
	if err != nil || snap == nil {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.run(context.Background(), sessionID, snap); err != nil {
			m.logger.Warn("background summarization failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until background summarizations finish.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) run(ctx context.Context, sessionID string, snap *snapshot) (err error) {
	st := snap.st
	defer func() {
		st.mu.Lock()
		st.summarizing = false
		st.mu.Unlock()
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.SummarizationsTotal.WithLabelValues(status).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	raw, err := m.backend.Summarize(ctx, summaryPrompt, renderExcerpt(snap))
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	narrative, entities, err := ParseSummary(raw)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.summary = narrative
	for k, v := range entities {
		st.entities[k] = v
	}
	// Drop only what was summarized; anything appended meanwhile stays.
	if len(st.recent) >= len(snap.old) {
		st.recent = append([]types.Message(nil), st.recent[len(snap.old):]...)
	}
	remaining := len(st.recent)
	st.mu.Unlock()

	m.logger.Debug("session summarized",
		zap.String("session_id", sessionID),
		zap.Int("compressed", len(snap.old)),
		zap.Int("recent", remaining),
		zap.Int("entities", len(entities)),
		zap.Duration("took", time.Since(start)))
	return nil
}

const summaryPrompt = `You compress conversations between an infrastructure operator and an AI assistant.
Write a concise narrative of what was asked, what was done and what was decided, keeping concrete identifiers.
Then write the line ` + EntityMarker + ` and below it one "key: value" line per concrete entity
(VM and container ids, node names, services, addresses, pending decisions). Write nothing after the entities.`

func renderExcerpt(snap *snapshot) string {
	var b strings.Builder
	if snap.summary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(snap.summary)
		b.WriteString("\n\n")
	}
	if len(snap.entities) > 0 {
		b.WriteString(renderSummaryBlock("", snap.entities))
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, msg := range snap.old {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Clear drops the session's context state. An in-flight summarization
// completes against the detached state and is discarded.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Snapshot returns a copy of the session's state.
func (m *Manager) Snapshot(sessionID string) (State, bool) {
	st := m.state(sessionID, false)
	if st == nil {
		return State{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	entities := make(map[string]string, len(st.entities))
	for k, v := range st.entities {
		entities[k] = v
	}
	return State{
		Recent:      append([]types.Message(nil), st.recent...),
		Summary:     st.summary,
		Entities:    entities,
		Summarizing: st.summarizing,
		Added:       st.added,
	}, true
}

// Sessions returns the ids with context state.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
