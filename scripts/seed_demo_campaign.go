//go:build ignore
// +build ignore

// Seeds a demo campaign with two identities and a handful of targets.
//
// Usage:
//   DATABASE_URL=postgres://... go run scripts/seed_demo_campaign.go
package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	campaignID := uuid.New().String()
	_, err = db.Exec(`
		INSERT INTO campaigns
			(id, name, status, prompt, opener_template,
			 positive_phrases, negative_phrases, destination_chat,
			 fallback_enabled, fallback_text,
			 sleep_windows, timezone_offset, daily_limit,
			 bot_handle_prefixes, follow_up)
		VALUES ($1, $2, 'paused', $3, $4, $5, $6, $7, true, $8, $9, 3, 30, $10, $11)
	`,
		campaignID,
		"Demo outreach",
		"You are a friendly assistant striking up a conversation about our product.",
		"{Hey|Hi|Hello} {{ first_name }}! Saw your profile and thought I'd reach out.",
		pq.Array([]string{"sent you the contact"}),
		pq.Array([]string{"not interested"}),
		"demo-leads",
		"Thanks for the reply! Let me get back to you shortly.",
		pq.Array([]string{"00:00-07:00"}),
		pq.Array([]string{"i7", "i8"}),
		`{"enabled":true,"delay_hours":24,"reminder_text":"Just checking in, still interested?"}`,
	)
	if err != nil {
		log.Fatalf("insert campaign: %v", err)
	}
	log.Printf("Campaign created: %s", campaignID)

	for _, handle := range []string{"demo_sender_1", "demo_sender_2"} {
		_, err = db.Exec(`
			INSERT INTO identities (id, campaign_id, handle, session_ref, reliability)
			VALUES ($1, $2, $3, $4, 50)
		`, uuid.New().String(), campaignID, handle, handle+".session")
		if err != nil {
			log.Fatalf("insert identity %s: %v", handle, err)
		}
	}
	log.Println("Identities created: 2")

	targets := []struct{ peerID, handle, firstName string }{
		{"100001", "alice_demo", "Alice"},
		{"100002", "bob_demo", "Bob"},
		{"100003", "carol_demo", "Carol"},
	}
	for _, t := range targets {
		_, err = db.Exec(`
			INSERT INTO targets (id, campaign_id, peer_id, handle, first_name)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New().String(), campaignID, t.peerID, t.handle, t.firstName)
		if err != nil {
			log.Fatalf("insert target %s: %v", t.handle, err)
		}
	}
	log.Printf("Targets created: %d", len(targets))
	log.Println("Done. Activate with: POST /api/campaigns/" + campaignID + "/resume")
}
