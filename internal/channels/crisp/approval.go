package crisp

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

// DefaultTicketTTL is how long an unresolved approval ticket stays live.
const DefaultTicketTTL = time.Hour

const (
	ticketIDLen      = 6
	ticketIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// PendingReply is a visitor message awaiting a human decision.
type PendingReply struct {
	ID            string // short, human-typeable ticket ID
	SessionID     string
	WebsiteID     string
	AccountID     string
	VisitorName   string
	Message       string // the visitor's text, verbatim
	ProposedReply string // empty until a reply is drafted
	NotifyMsgID   string // notification-channel message ID (reverse lookup key)
	NotifyChatID  string // notification-channel conversation ID
	CreatedAt     time.Time
}

// PendingStore holds approval tickets in memory with TTL expiry.
// Expiry is checked on every read and swept opportunistically on every write;
// there is no background timer.
type PendingStore struct {
	mu      sync.Mutex
	tickets map[string]*PendingReply // keyed by lowercase ticket ID
	ttl     time.Duration
	now     func() time.Time
}

// NewPendingStore creates a PendingStore. A non-positive TTL selects the default.
func NewPendingStore(ttl time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &PendingStore{
		tickets: make(map[string]*PendingReply),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Store inserts a new ticket with a fresh ID, then sweeps expired entries.
func (p *PendingStore) Store(sessionID, websiteID, accountID, visitorName, message string) PendingReply {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweepLocked(now)

	id := newTicketID()
	for p.tickets[id] != nil { // vanishingly unlikely, but IDs must be unique among live tickets
		id = newTicketID()
	}

	t := &PendingReply{
		ID:          id,
		SessionID:   sessionID,
		WebsiteID:   websiteID,
		AccountID:   accountID,
		VisitorName: visitorName,
		Message:     message,
		CreatedAt:   now,
	}
	p.tickets[id] = t
	return *t
}

// Get looks up a live ticket, case-insensitively. An expired-but-present
// record is treated as absent and evicted.
func (p *PendingStore) Get(id string) (PendingReply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToLower(id)
	t, ok := p.tickets[key]
	if !ok {
		return PendingReply{}, false
	}
	if p.now().Sub(t.CreatedAt) > p.ttl {
		delete(p.tickets, key)
		return PendingReply{}, false
	}
	return *t, true
}

// Remove deletes a ticket unconditionally, reporting whether it existed.
func (p *PendingStore) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToLower(id)
	_, ok := p.tickets[key]
	delete(p.tickets, key)
	return ok
}

// AttachNotification records the side-channel correlation IDs on a ticket.
// No-op when the ticket is gone or expired.
func (p *PendingStore) AttachNotification(id, notifyMsgID, notifyChatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked(p.now())
	t, ok := p.tickets[strings.ToLower(id)]
	if !ok {
		return
	}
	t.NotifyMsgID = notifyMsgID
	t.NotifyChatID = notifyChatID
}

// SetProposedReply fills the drafted reply text on a live ticket.
func (p *PendingStore) SetProposedReply(id, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked(p.now())
	t, ok := p.tickets[strings.ToLower(id)]
	if !ok {
		return false
	}
	t.ProposedReply = text
	return true
}

// FindByNotificationMessage scans live tickets for the one whose prompt was
// delivered as notifyMsgID. Linear scan — the store is bounded by the TTL.
func (p *PendingStore) FindByNotificationMessage(notifyMsgID string) (PendingReply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, t := range p.tickets {
		if now.Sub(t.CreatedAt) > p.ttl {
			continue
		}
		if t.NotifyMsgID != "" && t.NotifyMsgID == notifyMsgID {
			return *t, true
		}
	}
	return PendingReply{}, false
}

// ListLive returns all non-expired tickets. Order is not meaningful.
func (p *PendingStore) ListLive() []PendingReply {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]PendingReply, 0, len(p.tickets))
	for _, t := range p.tickets {
		if now.Sub(t.CreatedAt) > p.ttl {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// Sweep removes every expired ticket. Exposed for deterministic tests.
func (p *PendingStore) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweepLocked(p.now())
}

func (p *PendingStore) sweepLocked(now time.Time) int {
	removed := 0
	for id, t := range p.tickets {
		if now.Sub(t.CreatedAt) > p.ttl {
			delete(p.tickets, id)
			removed++
		}
	}
	return removed
}

// newTicketID generates a 6-char base-36 token. Collision probability is
// negligible for the ticket volume a store sees within one TTL window.
func newTicketID() string {
	buf := make([]byte, ticketIDLen)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = ticketIDAlphabet[int(b)%len(ticketIDAlphabet)]
	}
	return string(buf)
}
