package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/outreach-engine/internal/compose"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/proxy"
	"github.com/ignite/outreach-engine/internal/safety"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/transport"
)

// fakeSession records sends and serves a scripted history.
type fakeSession struct {
	sent         []string
	sendErr      error
	history      []domain.Message
	marked       int
	closed       bool
	unauthorized bool
	onInbound    func(transport.Incoming)
}

func (f *fakeSession) Connect(ctx context.Context) error              { return nil }
func (f *fakeSession) Close() error                                   { f.closed = true; return nil }
func (f *fakeSession) IsAuthorized(ctx context.Context) (bool, error) { return !f.unauthorized, nil }
func (f *fakeSession) SendMessage(ctx context.Context, peer transport.Peer, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeSession) RecentMessages(ctx context.Context, peer transport.Peer, limit int) ([]domain.Message, error) {
	return f.history, nil
}
func (f *fakeSession) MarkRead(ctx context.Context, peer transport.Peer) error {
	f.marked++
	return nil
}
func (f *fakeSession) ForwardMessages(ctx context.Context, peer transport.Peer, destChat string, count int) error {
	return nil
}
func (f *fakeSession) SendToChat(ctx context.Context, chat string, text string) error { return nil }
func (f *fakeSession) OnIncoming(handler func(transport.Incoming))                    { f.onInbound = handler }

type fakeFactory struct {
	session *fakeSession
	openErr error
	opens   int
}

func (f *fakeFactory) Open(ctx context.Context, identity *domain.Identity) (transport.Session, error) {
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.session, nil
}

// stubBackend returns a fixed draft.
type stubBackend struct {
	text string
	err  error
}

func (b *stubBackend) Complete(ctx context.Context, system string, history []domain.Message) (string, error) {
	return b.text, b.err
}

func testScheduler(t *testing.T, factory *fakeFactory, draft string) (*OutreachScheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	ledger := safety.NewLedger(st, 30, 5)
	gate := proxy.NewHealthGate(config.ProxyConfig{ConnectTimeoutSeconds: 1, CacheTTLMinutes: 10})
	composer := compose.New(&stubBackend{text: draft})
	s := NewOutreachScheduler(st, ledger, gate, composer, factory, config.SchedulerConfig{
		PollIntervalSeconds: 3600,
		MaxCampaigns:        10,
	})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s, mock
}

func testCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:             "camp-1",
		Status:         domain.CampaignActive,
		Prompt:         "be helpful",
		OpenerTemplate: "Hey {{ first_name }}!",
		DailyLimit:     30,
	}
}

func testIdentity() *domain.Identity {
	return &domain.Identity{
		ID:          "id-1",
		Status:      domain.IdentityActive,
		Reliability: 80,
		TotalSent:   500,
		SentDate:    time.Now().UTC().Format("2006-01-02"),
		CreatedAt:   time.Now().AddDate(0, 0, -30),
	}
}

func testTarget() *domain.Target {
	return &domain.Target{
		ID:        "tgt-1",
		PeerID:    "peer-1",
		Handle:    "alice",
		FirstName: "Alice",
	}
}

func TestSendOpenerSuccess(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{}}
	s, mock := testScheduler(t, factory, "")
	c := testCampaign()
	identity := testIdentity()

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM processed_clients`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO processed_clients`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE targets`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok := s.sendOpener(context.Background(), c, identity, factory.session, testTarget())
	if !ok {
		t.Fatal("sendOpener should allow further sends")
	}
	if len(factory.session.sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(factory.session.sent))
	}
	if factory.session.sent[0] != "Hey Alice!" {
		t.Errorf("opener = %q, want rendered template", factory.session.sent[0])
	}
	if got := s.GetStats().OpenersSent; got != 1 {
		t.Errorf("OpenersSent = %d, want 1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSendOpenerSkipsProcessedPeer(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{}}
	s, mock := testScheduler(t, factory, "")

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM processed_clients`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE targets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok := s.sendOpener(context.Background(), testCampaign(), testIdentity(), factory.session, testTarget())
	if !ok {
		t.Fatal("a skipped target should not stop the identity")
	}
	if len(factory.session.sent) != 0 {
		t.Errorf("no message should be sent to a processed peer, got %d", len(factory.session.sent))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSendOpenerSkipsBotHandle(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{}}
	s, mock := testScheduler(t, factory, "")
	c := testCampaign()
	c.BotHandlePrefixes = []string{"i7"}
	target := testTarget()
	target.Handle = "i7_promo"

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM processed_clients`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE targets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if !s.sendOpener(context.Background(), c, testIdentity(), factory.session, target) {
		t.Fatal("a skipped target should not stop the identity")
	}
	if len(factory.session.sent) != 0 {
		t.Error("bot handle should never be contacted")
	}
}

func TestSendOpenerForbiddenFailsTargetOnly(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{
		sendErr: transport.Forbidden(errors.New("privacy settings")),
	}}
	s, mock := testScheduler(t, factory, "")

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM processed_clients`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// RecordFailure persists the identity, then the target is failed.
	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE targets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok := s.sendOpener(context.Background(), testCampaign(), testIdentity(), factory.session, testTarget())
	if !ok {
		t.Fatal("a forbidden peer only fails the target, not the identity")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSendOpenerBannedStopsIdentity(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{
		sendErr: transport.Banned(errors.New("account deactivated")),
	}}
	s, mock := testScheduler(t, factory, "")
	identity := testIdentity()

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM processed_clients`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE targets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok := s.sendOpener(context.Background(), testCampaign(), identity, factory.session, testTarget())
	if ok {
		t.Fatal("a banned identity must stop sending")
	}
	if identity.Status != domain.IdentityBanned {
		t.Errorf("identity status = %q, want banned", identity.Status)
	}
}

func TestSendOpenerRateLimitedReleasesWithoutBlocking(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{
		sendErr: transport.RateLimited(90*time.Second, errors.New("flood wait")),
	}}
	s, mock := testScheduler(t, factory, "")
	identity := testIdentity()

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM processed_clients`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE targets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	start := time.Now()
	ok := s.sendOpener(context.Background(), testCampaign(), identity, factory.session, testTarget())
	if ok {
		t.Fatal("a rate-limited identity must stop sending")
	}
	// The cooldown lives on the identity; sendOpener must not sit out the
	// wait itself.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("sendOpener blocked %v on a rate-limit wait", elapsed)
	}
	if identity.CooldownUntil == nil {
		t.Fatal("rate limit must set a cooldown on the identity")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUnauthorizedSessionBenchesIdentity(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{unauthorized: true}}
	s, mock := testScheduler(t, factory, "")
	identity := testIdentity()

	mock.ExpectExec(`UPDATE identities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.sessions.Get(context.Background(), "camp-1", identity)
	if !errors.Is(err, ErrSessionUnauthorized) {
		t.Fatalf("err = %v, want ErrSessionUnauthorized", err)
	}
	s.markIdentityError(context.Background(), identity, err)
	if identity.Status != domain.IdentityError {
		t.Errorf("status = %s, want error", identity.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyStopHeuristics(t *testing.T) {
	s, _ := testScheduler(t, &fakeFactory{session: &fakeSession{}}, "")

	repeat := func(text string, n int) []domain.Message {
		var out []domain.Message
		out = append(out, domain.Message{Role: domain.RoleAssistant, Text: "hi"})
		for i := 0; i < n; i++ {
			out = append(out, domain.Message{Role: domain.RoleUser, Text: text})
		}
		return out
	}

	tests := []struct {
		name    string
		history []domain.Message
		stopped bool
	}{
		{"normal exchange", []domain.Message{
			{Role: domain.RoleAssistant, Text: "hi"},
			{Role: domain.RoleUser, Text: "hello"},
		}, false},
		{"three identical inbound", repeat("ok", 3), true},
		{"two identical inbound", repeat("ok", 2), false},
		{"three different inbound", []domain.Message{
			{Role: domain.RoleUser, Text: "a"},
			{Role: domain.RoleUser, Text: "b"},
			{Role: domain.RoleUser, Text: "c"},
		}, false},
		{"history over cap", repeat("msg", maxHistoryLen+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &domain.Conversation{Status: domain.ConversationActive, History: tt.history}
			if got := s.applyStopHeuristics(conv); got != tt.stopped {
				t.Errorf("applyStopHeuristics() = %v, want %v", got, tt.stopped)
			}
			if tt.stopped && conv.Status != domain.ConversationStopped {
				t.Errorf("status = %q, want stopped", conv.Status)
			}
		})
	}
}

func TestShouldReply(t *testing.T) {
	s, _ := testScheduler(t, &fakeFactory{session: &fakeSession{}}, "")
	now := time.Now()

	tests := []struct {
		name    string
		mod     func(c *domain.Campaign, conv *domain.Conversation)
		created bool
		want    bool
	}{
		{"open active thread", func(c *domain.Campaign, conv *domain.Conversation) {}, false, true},
		{"paused campaign", func(c *domain.Campaign, conv *domain.Conversation) {
			c.Status = domain.CampaignPaused
		}, false, false},
		{"manual takeover", func(c *domain.Campaign, conv *domain.Conversation) {
			conv.Status = domain.ConversationManual
		}, false, false},
		{"stopped thread", func(c *domain.Campaign, conv *domain.Conversation) {
			conv.Status = domain.ConversationStopped
		}, false, false},
		{"decided thread", func(c *domain.Campaign, conv *domain.Conversation) {
			conv.LeadStatus = domain.LeadPositive
		}, false, false},
		{"reply only if opened, unopened", func(c *domain.Campaign, conv *domain.Conversation) {
			c.ReplyOnlyIfOpened = true
			conv.LastOutboundAt = nil
		}, false, false},
		{"reply only if opened, fresh peer", func(c *domain.Campaign, conv *domain.Conversation) {
			c.ReplyOnlyIfOpened = true
		}, true, false},
		{"reply only if opened, opened", func(c *domain.Campaign, conv *domain.Conversation) {
			c.ReplyOnlyIfOpened = true
			conv.LastOutboundAt = &now
		}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCampaign()
			conv := &domain.Conversation{
				Status:         domain.ConversationActive,
				LeadStatus:     domain.LeadNone,
				LastOutboundAt: &now,
			}
			tt.mod(c, conv)
			if got := s.shouldReply(c, conv, tt.created); got != tt.want {
				t.Errorf("shouldReply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func conversationRow(conv *domain.Conversation, history string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "identity_id", "peer_id", "handle",
		"status", "lead_status", "history",
		"processed_at", "follow_up_sent_at", "last_inbound_at", "last_outbound_at",
		"created_at", "updated_at",
	}).AddRow(
		conv.ID, conv.CampaignID, conv.IdentityID, conv.PeerID, conv.Handle,
		conv.Status, conv.LeadStatus, []byte(history),
		conv.ProcessedAt, conv.FollowUpSentAt, conv.LastInboundAt, conv.LastOutboundAt,
		time.Now(), time.Now(),
	)
}

func TestFireFollowUpSkipsDecidedConversation(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{}}
	s, mock := testScheduler(t, factory, "still there?")

	processed := time.Now().Add(-time.Hour)
	conv := &domain.Conversation{
		ID: "conv-1", CampaignID: "camp-1", IdentityID: "id-1",
		Status: domain.ConversationHotLead, LeadStatus: domain.LeadPositive,
		ProcessedAt: &processed,
	}
	mock.ExpectQuery(`SELECT (.+) FROM conversations WHERE id`).
		WillReturnRows(conversationRow(conv, `[]`))

	s.fireFollowUp(context.Background(), "conv-1")
	if len(factory.session.sent) != 0 {
		t.Error("no follow-up may be sent into a decided thread")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFireFollowUpMarksSentAfterTwoNudges(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{}}
	s, mock := testScheduler(t, factory, "still there?")

	conv := &domain.Conversation{
		ID: "conv-1", CampaignID: "camp-1", IdentityID: "id-1",
		Status: domain.ConversationActive, LeadStatus: domain.LeadNone,
	}
	history := `[{"role":"user","text":"hi"},{"role":"assistant","text":"hey"},{"role":"assistant","text":"still there?"}]`
	mock.ExpectQuery(`SELECT (.+) FROM conversations WHERE id`).
		WillReturnRows(conversationRow(conv, history))
	mock.ExpectExec(`UPDATE conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.fireFollowUp(context.Background(), "conv-1")
	if len(factory.session.sent) != 0 {
		t.Error("two trailing nudges must end the reminder cycle")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueueInboundDropsWhenFull(t *testing.T) {
	s, _ := testScheduler(t, &fakeFactory{session: &fakeSession{}}, "")

	for i := 0; i < inboundQueueSize+10; i++ {
		s.enqueueInbound("camp-1", "id-1", transport.Incoming{
			Peer:    transport.Peer{ID: "peer-1"},
			Message: domain.Message{Role: domain.RoleUser, Text: "hi"},
		})
	}
	if got := len(s.inbound); got != inboundQueueSize {
		t.Errorf("queue length = %d, want %d", got, inboundQueueSize)
	}
}

func TestSessionRegistryReusesOpenSession(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{}}
	reg := newSessionRegistry(factory, func(campaignID, identityID string, inc transport.Incoming) {})

	identity := testIdentity()
	first, err := reg.Get(context.Background(), "camp-1", identity)
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.Get(context.Background(), "camp-1", identity)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("registry should cache the open session")
	}
	if factory.opens != 1 {
		t.Errorf("factory opened %d sessions, want 1", factory.opens)
	}

	reg.Close(identity.ID)
	if !factory.session.closed {
		t.Error("Close must close the underlying session")
	}
	if _, err := reg.Get(context.Background(), "camp-1", identity); err != nil {
		t.Fatal(err)
	}
	if factory.opens != 2 {
		t.Errorf("factory opened %d sessions after close, want 2", factory.opens)
	}
}

func TestSessionRegistryWiresInbound(t *testing.T) {
	factory := &fakeFactory{session: &fakeSession{}}
	var got []transport.Incoming
	reg := newSessionRegistry(factory, func(campaignID, identityID string, inc transport.Incoming) {
		got = append(got, inc)
	})

	if _, err := reg.Get(context.Background(), "camp-1", testIdentity()); err != nil {
		t.Fatal(err)
	}
	if factory.session.onInbound == nil {
		t.Fatal("inbound handler must be registered before Connect")
	}
	factory.session.onInbound(transport.Incoming{
		Message: domain.Message{Role: domain.RoleUser, Text: "hello"},
	})
	if len(got) != 1 || got[0].Message.Text != "hello" {
		t.Errorf("inbound not routed: %+v", got)
	}
}

func TestStartStop(t *testing.T) {
	s, _ := testScheduler(t, &fakeFactory{session: &fakeSession{}}, "")
	s.cancel()

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start must fail")
	}
	if !s.GetStats().Running {
		t.Error("stats should report running")
	}
	s.Stop()
	if s.GetStats().Running {
		t.Error("stats should report stopped")
	}
	// Stop again is a no-op.
	s.Stop()
}
