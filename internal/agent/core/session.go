package core

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus tracks the lifecycle of one research run.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// Session is the mutable per-run record: plan history, per-subagent
// transcripts, the source table, the draft and the cited output. All
// per-run allocations are owned here and discarded with the session.
type Session struct {
	ID        string
	Query     string
	CreatedAt time.Time

	mu          sync.RWMutex
	status      SessionStatus
	queryType   QueryType
	rounds      []Round
	transcripts map[string]*Transcript // subagent id -> transcript
	sources     *SourceTable
	draft       string
	citedOutput string
	failedTasks []string
	tokensUsed  int64
	costUSD     float64
	err         string

	cancelOnce sync.Once
	cancelFn   func()
	done       chan struct{}
	doneOnce   sync.Once
}

// NewSession creates a pending session for a query.
func NewSession(query string, now time.Time) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Query:       query,
		CreatedAt:   now,
		status:      SessionPending,
		transcripts: make(map[string]*Transcript),
		sources:     NewSourceTable(),
		done:        make(chan struct{}),
	}
}

// Done is closed when the run reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// markDone closes the done channel exactly once.
func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Sources returns the session's source table.
func (s *Session) Sources() *SourceTable { return s.sources }

// SetCancel wires the run's cancellation into the session so Cancel
// can propagate it hierarchically.
func (s *Session) SetCancel(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFn = fn
}

// Cancel requests cancellation of the run. Idempotent: a second call
// leaves the session in the same terminal state as the first.
func (s *Session) Cancel() {
	s.mu.RLock()
	fn := s.cancelFn
	s.mu.RUnlock()
	if fn != nil {
		s.cancelOnce.Do(fn)
	}
}

// SetStatus transitions the session lifecycle state.
func (s *Session) SetStatus(st SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Terminal states are final.
	switch s.status {
	case SessionCompleted, SessionCancelled, SessionFailed:
		return
	}
	s.status = st
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetQueryType records the advisory classification.
func (s *Session) SetQueryType(qt QueryType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryType = qt
}

// QueryType returns the advisory classification.
func (s *Session) QueryType() QueryType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryType
}

// AppendRound records a completed lead iteration.
func (s *Session) AppendRound(r Round) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds = append(s.rounds, r)
}

// Rounds returns a copy of the round history.
func (s *Session) Rounds() []Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Round, len(s.rounds))
	copy(out, s.rounds)
	return out
}

// AttachTranscript registers a subagent's transcript. Each subagent is
// isolated: no transcript ever references another's messages.
func (s *Session) AttachTranscript(subagentID string, tr *Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[subagentID] = tr
}

// Transcript returns the transcript of a subagent, if present.
func (s *Session) Transcript(subagentID string) (*Transcript, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transcripts[subagentID]
	return tr, ok
}

// TranscriptIDs lists the subagents that ran in this session.
func (s *Session) TranscriptIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.transcripts))
	for id := range s.transcripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetDraft stores the synthesized draft.
func (s *Session) SetDraft(draft string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = draft
}

// Draft returns the synthesized draft.
func (s *Session) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft
}

// SetCitedOutput stores the final cited output.
func (s *Session) SetCitedOutput(out string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.citedOutput = out
}

// CitedOutput returns the final cited output.
func (s *Session) CitedOutput() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.citedOutput
}

// RecordFailedTask flags a task whose subagent did not finish ok.
func (s *Session) RecordFailedTask(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedTasks = append(s.failedTasks, task)
}

// FailedTasks lists the flagged tasks for result metadata.
func (s *Session) FailedTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.failedTasks))
	copy(out, s.failedTasks)
	return out
}

// AddUsage accumulates token and cost accounting for the run.
func (s *Session) AddUsage(tokens int64, costUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokensUsed += tokens
	s.costUSD += costUSD
}

// Usage returns the accumulated token and cost totals.
func (s *Session) Usage() (int64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokensUsed, s.costUSD
}

// SetError records a structured failure reason.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = msg
}

// Err returns the recorded failure reason, if any.
func (s *Session) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// SourceTable is the run's append-only dedup-keyed map of sources.
// Insertion order defines the citation index [1..N].
type SourceTable struct {
	mu      sync.Mutex
	byURL   map[string]*Source
	ordered []*Source
}

// NewSourceTable creates an empty table.
func NewSourceTable() *SourceTable {
	return &SourceTable{byURL: make(map[string]*Source)}
}

// Add dedup-joins a source into the table and returns its entry. An
// existing URL keeps its original first-seen index and metadata; empty
// title/snippet fields are backfilled from later sightings.
func (t *SourceTable) Add(rawURL, title, snippet, seenBy string, now time.Time) (Source, bool) {
	norm := NormalizeURL(rawURL)
	if norm == "" {
		return Source{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byURL[norm]; ok {
		if existing.Title == "" && title != "" {
			existing.Title = title
		}
		if existing.Snippet == "" && snippet != "" {
			existing.Snippet = snippet
		}
		return *existing, false
	}
	src := &Source{
		URL:         norm,
		Title:       title,
		Snippet:     snippet,
		FirstSeenBy: seenBy,
		FirstSeenAt: now,
		Index:       len(t.ordered) + 1,
	}
	t.byURL[norm] = src
	t.ordered = append(t.ordered, src)
	return *src, true
}

// Get looks a source up by raw or normalized URL.
func (t *SourceTable) Get(rawURL string) (Source, bool) {
	norm := NormalizeURL(rawURL)
	t.mu.Lock()
	defer t.mu.Unlock()
	if src, ok := t.byURL[norm]; ok {
		return *src, true
	}
	return Source{}, false
}

// List returns the sources in first-seen order.
func (t *SourceTable) List() []Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Source, len(t.ordered))
	for i, s := range t.ordered {
		out[i] = *s
	}
	return out
}

// Len returns the number of distinct sources.
func (t *SourceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ordered)
}

// trackingKeys, together with any other utm_* key, are stripped during
// URL normalization so the same page reached through different
// campaigns dedups to one source.
var trackingKeys = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true,
	"gclid": true, "fbclid": true, "ref": true,
}

// NormalizeURL lowercases the scheme and host, strips the fragment and
// common tracking query keys, and trims trailing slashes from the path.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return strings.TrimSuffix(strings.ToLower(raw), "/")
		}
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if q := u.Query(); len(q) > 0 {
		for key := range q {
			if lk := strings.ToLower(key); trackingKeys[lk] || strings.HasPrefix(lk, "utm_") {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
