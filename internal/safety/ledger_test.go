package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/transport"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	l := NewLedger(store.New(db), 30, 5)
	l.now = func() time.Time { return testNow }
	return l, mock
}

func provenIdentity(id string) *domain.Identity {
	return &domain.Identity{
		ID:          id,
		Status:      domain.IdentityActive,
		Reliability: 80,
		TotalSent:   500,
		SentDate:    "2026-03-10",
		CreatedAt:   testNow.AddDate(0, 0, -30),
	}
}

func TestSendable(t *testing.T) {
	l, _ := testLedger(t)
	c := &domain.Campaign{DailyLimit: 30}
	cooldownUntil := testNow.Add(time.Hour)
	expired := testNow.Add(-time.Hour)

	tests := []struct {
		name string
		mod  func(*domain.Identity)
		want bool
	}{
		{"active under cap", func(i *domain.Identity) {}, true},
		{"banned", func(i *domain.Identity) { i.Status = domain.IdentityBanned }, false},
		{"credentials error", func(i *domain.Identity) { i.Status = domain.IdentityError }, false},
		{"in cooldown", func(i *domain.Identity) {
			i.Status = domain.IdentityPaused
			i.CooldownUntil = &cooldownUntil
		}, false},
		{"cooldown expired", func(i *domain.Identity) {
			i.Status = domain.IdentityPaused
			i.CooldownUntil = &expired
		}, true},
		{"operator pause has no expiry", func(i *domain.Identity) {
			i.Status = domain.IdentityPaused
		}, false},
		{"at daily cap", func(i *domain.Identity) { i.SentToday = 30 }, false},
		{"stale date rolls over", func(i *domain.Identity) {
			i.SentToday = 30
			i.SentDate = "2026-03-09"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := provenIdentity("i1")
			tt.mod(i)
			if got := l.Sendable(i, c); got != tt.want {
				t.Errorf("Sendable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendableRollover(t *testing.T) {
	l, _ := testLedger(t)
	c := &domain.Campaign{DailyLimit: 30}
	i := provenIdentity("i1")
	i.SentDate = "2026-03-09"
	i.SentToday = 25

	if !l.Sendable(i, c) {
		t.Fatal("yesterday's counter should not block today")
	}
	if i.SentToday != 0 || i.SentDate != "2026-03-10" {
		t.Errorf("rollover missed: sent_today=%d date=%s", i.SentToday, i.SentDate)
	}
}

func identityRows(ids ...*domain.Identity) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "handle", "session_ref", "proxy_route", "status", "reliability",
		"sent_today", "sent_date", "total_sent", "last_used",
		"daily_limit_override", "cooldown_until", "last_error",
		"created_at", "updated_at",
	})
	for _, i := range ids {
		rows.AddRow(i.ID, i.CampaignID, i.Handle, i.SessionRef, i.ProxyRoute, i.Status, i.Reliability,
			i.SentToday, i.SentDate, i.TotalSent, i.LastUsed,
			i.DailyLimitOverride, i.CooldownUntil, i.LastError,
			i.CreatedAt, testNow)
	}
	return rows
}

func TestSelectIdentityPriority(t *testing.T) {
	l, mock := testLedger(t)
	c := &domain.Campaign{ID: "c1", DailyLimit: 30}

	low := provenIdentity("low")
	low.Reliability = 50
	high := provenIdentity("high")
	high.Reliability = 90
	banned := provenIdentity("banned")
	banned.Status = domain.IdentityBanned
	banned.Reliability = 100

	mock.ExpectQuery(`SELECT .+ FROM identities WHERE campaign_id = \$1`).
		WithArgs("c1").
		WillReturnRows(identityRows(low, high, banned))

	got, err := l.SelectIdentity(context.Background(), c)
	if err != nil {
		t.Fatalf("SelectIdentity: %v", err)
	}
	if got.ID != "high" {
		t.Errorf("selected %s, want high", got.ID)
	}
}

func TestSelectIdentityTieBreakLongestIdle(t *testing.T) {
	l, mock := testLedger(t)
	c := &domain.Campaign{ID: "c1", DailyLimit: 30}

	recent := provenIdentity("recent")
	ts := testNow.Add(-time.Hour)
	recent.LastUsed = &ts
	stale := provenIdentity("stale")
	old := testNow.Add(-48 * time.Hour)
	stale.LastUsed = &old

	mock.ExpectQuery(`SELECT .+ FROM identities`).
		WithArgs("c1").
		WillReturnRows(identityRows(recent, stale))

	got, err := l.SelectIdentity(context.Background(), c)
	if err != nil {
		t.Fatalf("SelectIdentity: %v", err)
	}
	if got.ID != "stale" {
		t.Errorf("selected %s, want stale (longest idle)", got.ID)
	}
}

func TestSelectIdentityNoneSendable(t *testing.T) {
	l, mock := testLedger(t)
	c := &domain.Campaign{ID: "c1", DailyLimit: 30}

	capped := provenIdentity("capped")
	capped.SentToday = 30

	mock.ExpectQuery(`SELECT .+ FROM identities`).
		WithArgs("c1").
		WillReturnRows(identityRows(capped))

	_, err := l.SelectIdentity(context.Background(), c)
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("error = %v, want ErrNoIdentity", err)
	}
}

func TestReserveNeverExceedsCap(t *testing.T) {
	mr := miniredis.RunT(t)
	l, _ := testLedger(t)
	l.SetRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	c := &domain.Campaign{DailyLimit: 30}
	i := provenIdentity("i1")
	i.DailyLimitOverride = 5

	granted := 0
	for n := 0; n < 20; n++ {
		ok, err := l.Reserve(context.Background(), i, c)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if ok {
			granted++
		}
	}
	if granted != 5 {
		t.Errorf("granted %d reservations, want exactly 5", granted)
	}
}

func TestReserveLocalFallback(t *testing.T) {
	l, _ := testLedger(t)
	c := &domain.Campaign{DailyLimit: 30}
	i := provenIdentity("i1")
	i.DailyLimitOverride = 3

	granted := 0
	for n := 0; n < 10; n++ {
		ok, err := l.Reserve(context.Background(), i, c)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			granted++
		}
	}
	if granted != 3 {
		t.Errorf("granted %d, want 3", granted)
	}
}

func TestRecordSuccess(t *testing.T) {
	l, mock := testLedger(t)
	i := provenIdentity("i1")
	i.Reliability = 99

	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := l.RecordSuccess(context.Background(), i); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if i.SentToday != 1 || i.TotalSent != 501 {
		t.Errorf("counters not bumped: today=%d total=%d", i.SentToday, i.TotalSent)
	}
	if i.Reliability != 100 {
		t.Errorf("reliability = %d, want 100", i.Reliability)
	}

	// Ceiling holds.
	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := l.RecordSuccess(context.Background(), i); err != nil {
		t.Fatal(err)
	}
	if i.Reliability != 100 {
		t.Errorf("reliability exceeded ceiling: %d", i.Reliability)
	}
}

func TestRecordFailureAbuseFlagged(t *testing.T) {
	l, mock := testLedger(t)
	c := &domain.Campaign{CooldownHours: 5}
	i := provenIdentity("i1")
	i.Reliability = 7

	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	action, err := l.RecordFailure(context.Background(), i, c, transport.AbuseFlagged(errors.New("peer flood")))
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !action.IdentityDown {
		t.Error("abuse should take the identity down")
	}
	if i.Status != domain.IdentityPaused {
		t.Errorf("status = %s, want paused", i.Status)
	}
	if i.CooldownUntil == nil || !i.CooldownUntil.Equal(testNow.Add(5*time.Hour)) {
		t.Errorf("cooldown_until = %v, want now+5h", i.CooldownUntil)
	}
	if i.Reliability != 0 {
		t.Errorf("reliability = %d, want floor 0", i.Reliability)
	}
}

func TestRecordFailureRateLimited(t *testing.T) {
	l, mock := testLedger(t)
	c := &domain.Campaign{DailyLimit: 30}
	i := provenIdentity("i1")

	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	action, err := l.RecordFailure(context.Background(), i, c, transport.RateLimited(90*time.Second, errors.New("flood wait")))
	if err != nil {
		t.Fatal(err)
	}
	if action.Wait != 90*time.Second {
		t.Errorf("Wait = %v, want 90s", action.Wait)
	}
	if !action.IdentityDown {
		t.Error("rate limit should bench the identity for the signaled wait")
	}
	if i.CooldownUntil == nil || !i.CooldownUntil.Equal(testNow.Add(90*time.Second)) {
		t.Errorf("cooldown_until = %v, want now+90s", i.CooldownUntil)
	}
	if l.Sendable(i, c) {
		t.Error("identity must not be selectable during the signaled wait")
	}
	if i.Reliability != 80 {
		t.Errorf("rate limit should not demote reliability, got %d", i.Reliability)
	}
}

func TestRecordFailureRateLimitedNoWait(t *testing.T) {
	l, mock := testLedger(t)
	i := provenIdentity("i1")

	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	action, err := l.RecordFailure(context.Background(), i, &domain.Campaign{}, transport.RateLimited(0, errors.New("slow down")))
	if err != nil {
		t.Fatal(err)
	}
	if action.IdentityDown {
		t.Error("a rate limit without a signaled wait should not bench the identity")
	}
	if i.CooldownUntil != nil {
		t.Errorf("cooldown_until = %v, want nil", i.CooldownUntil)
	}
}

func TestRecordFailureBanned(t *testing.T) {
	l, mock := testLedger(t)
	i := provenIdentity("i1")

	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	action, err := l.RecordFailure(context.Background(), i, &domain.Campaign{}, transport.Banned(errors.New("deactivated")))
	if err != nil {
		t.Fatal(err)
	}
	if !action.IdentityDown {
		t.Error("ban should take the identity down")
	}
	if i.Status != domain.IdentityBanned {
		t.Errorf("status = %s, want banned", i.Status)
	}
}

func TestRecordFailureForbiddenTargetOnly(t *testing.T) {
	l, mock := testLedger(t)
	i := provenIdentity("i1")

	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	action, err := l.RecordFailure(context.Background(), i, &domain.Campaign{}, transport.Forbidden(errors.New("privacy settings")))
	if err != nil {
		t.Fatal(err)
	}
	if !action.TargetOnly {
		t.Error("forbidden should be target-only")
	}
	if action.IdentityDown || i.Status != domain.IdentityActive {
		t.Error("forbidden must not touch identity status")
	}
}
