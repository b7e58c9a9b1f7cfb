package crisp

import (
	"sync"
	"time"
)

const (
	// DefaultSessionTTL is the idle age after which a session is evicted.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultSweepThreshold is the live-set size that triggers a sweep on insert.
	DefaultSweepThreshold = 100
)

// Session tracks one visitor conversation.
type Session struct {
	SessionID    string
	WebsiteID    string
	AccountID    string
	VisitorName  string
	VisitorEmail string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
	IsNew        bool // first observed message for this conversation
}

// Tracker deduplicates conversation signals and bounds memory via lazy TTL
// eviction. At most one live record exists per session ID. Sweeps ride on the
// insert path — no background timer.
type Tracker struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	ttl       time.Duration
	threshold int
	now       func() time.Time
}

// NewTracker creates a Tracker with the given TTL and sweep threshold.
// Zero values select the defaults.
func NewTracker(ttl time.Duration, threshold int) *Tracker {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if threshold <= 0 {
		threshold = DefaultSweepThreshold
	}
	return &Tracker{
		sessions:  make(map[string]*Session),
		ttl:       ttl,
		threshold: threshold,
		now:       time.Now,
	}
}

// Track returns the session for sessionID, updated in place when it exists
// (count incremented, activity refreshed, IsNew cleared) or freshly created
// with IsNew set. The returned value is a copy; callers cannot mutate the
// tracked record.
func (t *Tracker) Track(sessionID, websiteID, accountID, visitorName, visitorEmail string) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if s, ok := t.sessions[sessionID]; ok {
		s.LastActivity = now
		s.MessageCount++
		s.IsNew = false
		if visitorName != "" && visitorName != fallbackVisitorName {
			s.VisitorName = visitorName
		}
		if visitorEmail != "" {
			s.VisitorEmail = visitorEmail
		}
		return *s
	}

	s := &Session{
		SessionID:    sessionID,
		WebsiteID:    websiteID,
		AccountID:    accountID,
		VisitorName:  visitorName,
		VisitorEmail: visitorEmail,
		CreatedAt:    now,
		LastActivity: now,
		MessageCount: 1,
		IsNew:        true,
	}
	t.sessions[sessionID] = s

	if len(t.sessions) > t.threshold {
		t.sweepLocked(now)
	}

	return *s
}

// Get returns a copy of the tracked session, if present.
func (t *Tracker) Get(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetEmail updates the visitor email of a tracked session.
// Returns false when the session is not tracked.
func (t *Tracker) SetEmail(sessionID, email string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	s.VisitorEmail = email
	return true
}

// Len returns the live-set size.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep removes every session idle longer than the TTL. Exposed for
// deterministic tests; production sweeps happen lazily on insert.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(t.now())
}

func (t *Tracker) sweepLocked(now time.Time) int {
	removed := 0
	for id, s := range t.sessions {
		if now.Sub(s.LastActivity) > t.ttl {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}
