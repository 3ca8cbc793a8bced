package domain

import (
	"strings"
	"time"
)

// TargetStatus tracks outreach progress for a single peer on a campaign.
type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	// TargetProcessing marks a claimed target so a second worker pass (or
	// replica) cannot re-claim it while the send is in flight.
	TargetProcessing TargetStatus = "processing"
	TargetSent       TargetStatus = "sent"
	// TargetFailed is terminal. The reason lands in LastError; failed
	// targets are never retried.
	TargetFailed TargetStatus = "failed"
	// TargetReplied is set when the first inbound arrives from a peer we
	// previously opened on.
	TargetReplied TargetStatus = "replied"
)

// Target is one peer queued for outreach under a campaign.
type Target struct {
	ID         string       `json:"id" db:"id"`
	CampaignID string       `json:"campaign_id" db:"campaign_id"`
	PeerID     string       `json:"peer_id" db:"peer_id"`
	Handle     string       `json:"handle" db:"handle"`
	FirstName  string       `json:"first_name" db:"first_name"`
	Status     TargetStatus `json:"status" db:"status"`
	IdentityID string       `json:"identity_id" db:"identity_id"`
	LastError  string       `json:"last_error" db:"last_error"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// ConversationStatus enumerates who (if anyone) is still driving a thread.
type ConversationStatus string

const (
	// ConversationActive means the scheduler replies automatically.
	ConversationActive ConversationStatus = "active"
	// ConversationManual means an operator took over; the scheduler only records.
	ConversationManual ConversationStatus = "manual"
	// ConversationStopped means the thread is closed to automation.
	ConversationStopped ConversationStatus = "stopped"
	// ConversationHotLead means a positive trigger fired and the thread was handed off.
	ConversationHotLead ConversationStatus = "hot_lead"
)

// LeadStatus is the lead decision recorded for a conversation. Once set to
// lead or not_lead it never changes.
type LeadStatus string

const (
	LeadNone     LeadStatus = "none"
	LeadPositive LeadStatus = "lead"
	LeadNegative LeadStatus = "not_lead"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation transcript.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the durable record of one thread between an identity and
// a peer. The store is the source of truth; the scheduler mirrors the
// transport history into History before composing.
type Conversation struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	IdentityID string `json:"identity_id" db:"identity_id"`
	PeerID     string `json:"peer_id" db:"peer_id"`
	Handle     string `json:"handle" db:"handle"`

	Status     ConversationStatus `json:"status" db:"status"`
	LeadStatus LeadStatus         `json:"lead_status" db:"lead_status"`
	History    []Message          `json:"history" db:"history"`

	// ProcessedAt is terminal: once set, the lead decision is final and the
	// detector must never fire again for this thread.
	ProcessedAt    *time.Time `json:"processed_at" db:"processed_at"`
	FollowUpSentAt *time.Time `json:"follow_up_sent_at" db:"follow_up_sent_at"`
	LastInboundAt  *time.Time `json:"last_inbound_at" db:"last_inbound_at"`
	LastOutboundAt *time.Time `json:"last_outbound_at" db:"last_outbound_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Open reports whether the scheduler may still send into this thread.
func (c *Conversation) Open() bool {
	return c.Status == ConversationActive
}

// Decided reports whether a lead decision has been recorded.
func (c *Conversation) Decided() bool {
	return c.ProcessedAt != nil || c.LeadStatus != LeadNone
}

// LastSender returns the role of the most recent message, or "" for an
// empty history.
func (c *Conversation) LastSender() string {
	if len(c.History) == 0 {
		return ""
	}
	return c.History[len(c.History)-1].Role
}

// TrailingAssistantRun counts consecutive assistant messages at the tail.
func (c *Conversation) TrailingAssistantRun() int {
	n := 0
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Role != RoleAssistant {
			break
		}
		n++
	}
	return n
}

// ProcessedClient records that a peer was already engaged (or must never
// be), deduplicating across campaign runs. Key is "peerID|@handle" with
// either side optional.
type ProcessedClient struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	Key        string    `json:"key" db:"key"`
	Reason     string    `json:"reason" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ProcessedKey builds the dedup key for a peer. Handles are lowercased and
// prefixed with "@"; either component may be empty.
func ProcessedKey(peerID, handle string) string {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if h != "" {
		h = "@" + h
	}
	return strings.TrimSpace(peerID) + "|" + h
}
