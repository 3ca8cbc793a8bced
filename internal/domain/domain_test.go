package domain

import (
	"testing"
	"time"
)

func TestIdentityDailyLimit(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		totalSent int
		ageDays   int
		override  int
		want      int
	}{
		{"fresh account", 0, 0, 0, DailyLimitNew},
		{"low volume but old", 40, 30, 0, DailyLimitNew},
		{"high volume but young", 500, 1, 0, DailyLimitNew},
		{"warming", 100, 5, 0, DailyLimitWarming},
		{"proven", 500, 30, 0, 30},
		{"override wins", 0, 0, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{
				TotalSent:          tt.totalSent,
				CreatedAt:          now.AddDate(0, 0, -tt.ageDays),
				DailyLimitOverride: tt.override,
			}
			if got := id.DailyLimit(now, 30); got != tt.want {
				t.Errorf("DailyLimit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIdentityPriorityScore(t *testing.T) {
	a := &Identity{Reliability: 90, TotalSent: 100}
	b := &Identity{Reliability: 80, TotalSent: 5000}
	if a.PriorityScore() <= b.PriorityScore() {
		t.Errorf("reliability should dominate volume: %d vs %d", a.PriorityScore(), b.PriorityScore())
	}
	c := &Identity{Reliability: 80, TotalSent: 2000}
	if b.PriorityScore() != c.PriorityScore() {
		t.Errorf("volume term should cap at 1000: %d vs %d", b.PriorityScore(), c.PriorityScore())
	}
}

func TestDelayRangeNormalized(t *testing.T) {
	r := DelayRange{Min: 30, Max: 10}.Normalized()
	if r.Min != 30 || r.Max != 30 {
		t.Errorf("got %+v", r)
	}
	r = DelayRange{Min: -5, Max: 10}.Normalized()
	if r.Min != 0 || r.Max != 10 {
		t.Errorf("got %+v", r)
	}
}

func TestProcessedKey(t *testing.T) {
	tests := []struct {
		peerID, handle, want string
	}{
		{"12345", "Alice", "12345|@alice"},
		{"12345", "@alice", "12345|@alice"},
		{"", "bob", "|@bob"},
		{"777", "", "777|"},
	}
	for _, tt := range tests {
		if got := ProcessedKey(tt.peerID, tt.handle); got != tt.want {
			t.Errorf("ProcessedKey(%q, %q) = %q, want %q", tt.peerID, tt.handle, got, tt.want)
		}
	}
}

func TestConversationHelpers(t *testing.T) {
	c := &Conversation{Status: ConversationActive}
	if !c.Open() {
		t.Error("active conversation should be open")
	}
	if c.LastSender() != "" {
		t.Error("empty history should have no last sender")
	}

	c.History = []Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "hello"},
		{Role: RoleAssistant, Text: "still there?"},
	}
	if c.LastSender() != RoleAssistant {
		t.Errorf("LastSender() = %q", c.LastSender())
	}
	if got := c.TrailingAssistantRun(); got != 2 {
		t.Errorf("TrailingAssistantRun() = %d, want 2", got)
	}

	now := time.Now()
	c.ProcessedAt = &now
	if !c.Decided() {
		t.Error("processed conversation should be decided")
	}
}
