// Package transport defines the messaging session capability the scheduler
// drives. Concrete sessions wrap an external chat client; everything above
// this package only sees the interface and the error taxonomy.
package transport

import (
	"context"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Peer identifies the other side of a conversation.
type Peer struct {
	ID        string
	Handle    string
	FirstName string
}

// Incoming is one inbound message delivered to an OnIncoming handler.
type Incoming struct {
	Peer    Peer
	Message domain.Message
}

// Session is an authorized connection for one identity. Implementations
// must be safe for use from a single goroutine at a time; the scheduler
// serializes access per identity.
type Session interface {
	// Connect establishes the underlying connection, dialing through the
	// identity's proxy route when one is configured.
	Connect(ctx context.Context) error
	Close() error

	// IsAuthorized reports whether the stored session credentials are
	// still accepted by the platform.
	IsAuthorized(ctx context.Context) (bool, error)

	// SendMessage delivers text to the peer. Failures are classified via
	// the SendError taxonomy in this package.
	SendMessage(ctx context.Context, peer Peer, text string) error

	// RecentMessages returns up to limit trailing messages of the thread,
	// oldest first.
	RecentMessages(ctx context.Context, peer Peer, limit int) ([]domain.Message, error)

	// MarkRead marks the peer's thread as read up to the newest message.
	MarkRead(ctx context.Context, peer Peer) error

	// ForwardMessages copies the last count messages of the peer's thread
	// to the named destination chat.
	ForwardMessages(ctx context.Context, peer Peer, destChat string, count int) error

	// SendToChat posts text to a named chat (lead notifications).
	SendToChat(ctx context.Context, chat string, text string) error

	// OnIncoming registers a handler invoked for each inbound message.
	// Registration must happen before Connect.
	OnIncoming(handler func(Incoming))
}

// Factory opens sessions for identities. The scheduler owns at most one
// open session per identity at a time.
type Factory interface {
	Open(ctx context.Context, identity *domain.Identity) (Session, error)
}

// Prober performs a protocol-level handshake through a proxy route,
// verifying the route actually carries traffic and not just TCP.
type Prober interface {
	Probe(ctx context.Context, route string) error
}
