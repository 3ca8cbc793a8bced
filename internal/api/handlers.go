package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httputil"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/worker"
)

const listCampaignsLimit = 100

// Handlers holds the operator API handlers.
type Handlers struct {
	store     *store.Store
	scheduler *worker.OutreachScheduler
	health    *HealthChecker
}

// NewHandlers creates the handler set.
func NewHandlers(st *store.Store, scheduler *worker.OutreachScheduler) *Handlers {
	return &Handlers{
		store:     st,
		scheduler: scheduler,
		health:    NewHealthChecker(st.DB(), nil),
	}
}

// GetSchedulerStats returns the scheduler counters.
//
//	GET /api/stats
func (h *Handlers) GetSchedulerStats(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "scheduler not running in this process")
		return
	}
	httputil.OK(w, h.scheduler.GetStats())
}

// ListCampaigns returns active campaigns.
//
//	GET /api/campaigns
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.store.ListActiveCampaigns(r.Context(), listCampaignsLimit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaigns": campaigns, "count": len(campaigns)})
}

// GetCampaign returns one campaign.
//
//	GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		httputil.NotFound(w, "campaign not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, c)
}

// PauseCampaign stops scheduling for a campaign. In-flight dialogs finish
// their current turn; no new work starts.
//
//	POST /api/campaigns/{id}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignStatus(w, r, domain.CampaignPaused)
}

// ResumeCampaign re-enables scheduling for a campaign.
//
//	POST /api/campaigns/{id}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignStatus(w, r, domain.CampaignActive)
}

func (h *Handlers) setCampaignStatus(w http.ResponseWriter, r *http.Request, status domain.CampaignStatus) {
	id := chi.URLParam(r, "id")
	err := h.store.SetCampaignStatus(r.Context(), id, status)
	if err == store.ErrNotFound {
		httputil.NotFound(w, "campaign not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": id, "status": string(status)})
}

// ListIdentities returns the identity pool for a campaign.
//
//	GET /api/identities?campaign_id=...
func (h *Handlers) ListIdentities(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaign_id")
	if campaignID == "" {
		httputil.BadRequest(w, "campaign_id is required")
		return
	}
	identities, err := h.store.ListIdentities(r.Context(), campaignID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"identities": identities, "count": len(identities)})
}

// ClearIdentityCooldown lifts a cooldown early. Banned identities stay
// banned.
//
//	POST /api/identities/{id}/clear-cooldown
func (h *Handlers) ClearIdentityCooldown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.ClearIdentityCooldown(r.Context(), id)
	if err == store.ErrNotFound {
		httputil.NotFound(w, "identity not found or banned")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": id, "status": string(domain.IdentityActive)})
}

// GetConversation returns one thread with its transcript.
//
//	GET /api/conversations/{id}
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		httputil.NotFound(w, "conversation not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, conv)
}

// StopConversation closes a thread to automation permanently.
//
//	POST /api/conversations/{id}/stop
func (h *Handlers) StopConversation(w http.ResponseWriter, r *http.Request) {
	h.setConversationStatus(w, r, domain.ConversationStopped)
}

// TakeOverConversation hands a thread to an operator. The scheduler keeps
// recording inbound messages but stops replying.
//
//	POST /api/conversations/{id}/manual
func (h *Handlers) TakeOverConversation(w http.ResponseWriter, r *http.Request) {
	h.setConversationStatus(w, r, domain.ConversationManual)
}

func (h *Handlers) setConversationStatus(w http.ResponseWriter, r *http.Request, status domain.ConversationStatus) {
	id := chi.URLParam(r, "id")
	conv, err := h.store.GetConversation(r.Context(), id)
	if err == store.ErrNotFound {
		httputil.NotFound(w, "conversation not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if conv.ProcessedAt != nil {
		httputil.Error(w, http.StatusConflict, "conversation already decided")
		return
	}
	conv.Status = status
	if err := h.store.SaveConversation(r.Context(), conv); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{
		"id":         id,
		"status":     string(status),
		"changed_at": time.Now().UTC().Format(time.RFC3339),
	})
}
