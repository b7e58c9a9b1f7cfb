package crisp

import (
	"strings"
	"testing"
	"time"
)

func TestPendingStoreRoundTrip(t *testing.T) {
	p := NewPendingStore(0)

	ticket := p.Store("session_1", "web_1", "main", "Alice", "Can I get a refund?")
	if len(ticket.ID) != ticketIDLen {
		t.Fatalf("ticket ID %q, want %d chars", ticket.ID, ticketIDLen)
	}
	for _, r := range ticket.ID {
		if !strings.ContainsRune(ticketIDAlphabet, r) {
			t.Fatalf("ticket ID %q contains %q outside the base36 alphabet", ticket.ID, r)
		}
	}

	got, ok := p.Get(ticket.ID)
	if !ok {
		t.Fatal("stored ticket not found")
	}
	if got.Message != "Can I get a refund?" || got.SessionID != "session_1" {
		t.Errorf("ticket = %+v", got)
	}
}

func TestPendingStoreCaseInsensitiveLookup(t *testing.T) {
	p := NewPendingStore(0)
	ticket := p.Store("s1", "w1", "main", "Alice", "hi")

	if _, ok := p.Get(strings.ToUpper(ticket.ID)); !ok {
		t.Error("uppercase lookup failed")
	}
	if !p.Remove(strings.ToUpper(ticket.ID)) {
		t.Error("uppercase remove failed")
	}
	if _, ok := p.Get(ticket.ID); ok {
		t.Error("ticket survived removal")
	}
}

func TestPendingStoreExpiry(t *testing.T) {
	p := NewPendingStore(time.Hour)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	ticket := p.Store("s1", "w1", "main", "Alice", "hi")

	clock = clock.Add(59 * time.Minute)
	if _, ok := p.Get(ticket.ID); !ok {
		t.Fatal("ticket expired before its TTL")
	}

	clock = clock.Add(2 * time.Minute)
	if _, ok := p.Get(ticket.ID); ok {
		t.Error("expired ticket still retrievable")
	}

	// The expired read evicted it.
	p.mu.Lock()
	n := len(p.tickets)
	p.mu.Unlock()
	if n != 0 {
		t.Errorf("store holds %d tickets after expired read, want 0", n)
	}
}

func TestPendingStoreSweepOnWrite(t *testing.T) {
	p := NewPendingStore(time.Hour)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	p.Store("s1", "w1", "main", "Alice", "old one")
	clock = clock.Add(2 * time.Hour)
	p.Store("s2", "w1", "main", "Bob", "new one")

	live := p.ListLive()
	if len(live) != 1 || live[0].SessionID != "s2" {
		t.Errorf("ListLive() = %+v, want only the fresh ticket", live)
	}
}

func TestPendingStoreMutationsIgnoreExpiredTickets(t *testing.T) {
	p := NewPendingStore(time.Hour)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	ticket := p.Store("s1", "w1", "main", "Alice", "hi")
	clock = clock.Add(2 * time.Hour)

	if p.SetProposedReply(ticket.ID, "too late") {
		t.Error("SetProposedReply succeeded on an expired ticket")
	}
	p.AttachNotification(ticket.ID, "msg_9", "chat_9")
	if _, ok := p.FindByNotificationMessage("msg_9"); ok {
		t.Error("AttachNotification landed on an expired ticket")
	}

	// Both write paths sweep, so the expired record is gone.
	p.mu.Lock()
	n := len(p.tickets)
	p.mu.Unlock()
	if n != 0 {
		t.Errorf("store holds %d tickets after writes past the TTL, want 0", n)
	}
}

func TestPendingStoreNotificationLookup(t *testing.T) {
	p := NewPendingStore(0)
	ticket := p.Store("s1", "w1", "main", "Alice", "hi")

	if _, ok := p.FindByNotificationMessage("msg_42"); ok {
		t.Fatal("lookup matched before a notification was attached")
	}

	p.AttachNotification(ticket.ID, "msg_42", "chat_7")
	got, ok := p.FindByNotificationMessage("msg_42")
	if !ok {
		t.Fatal("lookup by notification message failed")
	}
	if got.ID != ticket.ID || got.NotifyChatID != "chat_7" {
		t.Errorf("found ticket = %+v", got)
	}
}

func TestPendingStoreProposedReply(t *testing.T) {
	p := NewPendingStore(0)
	ticket := p.Store("s1", "w1", "main", "Alice", "hi")

	if !p.SetProposedReply(ticket.ID, "Sure, refunds take 3 days.") {
		t.Fatal("SetProposedReply failed on a live ticket")
	}
	got, _ := p.Get(ticket.ID)
	if got.ProposedReply != "Sure, refunds take 3 days." {
		t.Errorf("ProposedReply = %q", got.ProposedReply)
	}

	if p.SetProposedReply("zzzzzz", "text") {
		t.Error("SetProposedReply succeeded on a missing ticket")
	}
}

func TestPendingStoreUniqueIDs(t *testing.T) {
	p := NewPendingStore(0)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ticket := p.Store("s", "w", "main", "", "")
		if seen[ticket.ID] {
			t.Fatalf("duplicate live ticket ID %q", ticket.ID)
		}
		seen[ticket.ID] = true
	}
}
