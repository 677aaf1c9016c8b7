package notify

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/store"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

// AdminHandler exposes management endpoints for webhook configuration and
// monitoring. Every route is scoped to the organization on the request context.
type AdminHandler struct {
	Store Store
	Disp  *Dispatcher
}

type endpointRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Active *bool    `json:"active"`
	Topics []string `json:"topics"`
}

func (req endpointRequest) validate() map[string][]string {
	details := map[string][]string{}
	if strings.TrimSpace(req.URL) == "" {
		details["url"] = append(details["url"], "value_is_mandatory")
	} else if err := validateURL(req.URL); err != nil {
		details["url"] = append(details["url"], "invalid_url")
	}
	if strings.TrimSpace(req.Secret) == "" {
		details["secret"] = append(details["secret"], "value_is_mandatory")
	}
	for _, topic := range normaliseTopics(req.Topics) {
		if !events.KnownTopic(topic) {
			details["topics"] = append(details["topics"], "unknown_topic:"+topic)
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// CreateEndpoint registers a new webhook endpoint.
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if details := req.validate(); details != nil {
		common.WriteError(w, common.ValidationFailure(details))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	endpoint, err := h.Store.CreateWebhookEndpoint(r.Context(), store.WebhookEndpoint{
		OrganizationID: orgID,
		URL:            strings.TrimSpace(req.URL),
		Secret:         req.Secret,
		Active:         active,
		Topics:         normaliseTopics(req.Topics),
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, endpoint)
}

// UpdateEndpoint updates an existing webhook endpoint.
func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if details := req.validate(); details != nil {
		common.WriteError(w, common.ValidationFailure(details))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	endpoint, err := h.Store.UpdateWebhookEndpoint(r.Context(), store.WebhookEndpoint{
		ID:             id,
		OrganizationID: orgID,
		URL:            strings.TrimSpace(req.URL),
		Secret:         req.Secret,
		Active:         active,
		Topics:         normaliseTopics(req.Topics),
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, endpoint)
}

// ListEndpoints returns configured webhook endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	page := common.ParsePage(r, 50, 200)
	endpoints, err := h.Store.ListWebhookEndpoints(r.Context(), orgID, page.Limit, page.Offset)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": endpoints, "pagination": page})
}

// DeleteEndpoint removes an endpoint by ID.
func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	if err := h.Store.DeleteWebhookEndpoint(r.Context(), orgID, id); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries returns webhook delivery attempts with optional filtering.
func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	endpointID, err := optionalUUID(q.Get("endpointId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid endpointId", nil)
		return
	}
	eventID, err := optionalUUID(q.Get("eventId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid eventId", nil)
		return
	}
	page := common.ParsePage(r, 50, 200)
	rows, total, err := h.Store.ListWebhookDeliveries(r.Context(), store.ListDeliveriesParams{
		OrganizationID: orgID,
		EndpointID:     endpointID,
		EventID:        eventID,
		Status:         strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		Limit:          page.Limit,
		Offset:         page.Offset,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	page.Total = total
	common.JSON(w, http.StatusOK, map[string]any{"data": rows, "pagination": page})
}

// ReplayDelivery resets a delivery for retry and queues it immediately.
func (h *AdminHandler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	existing, err := h.Store.GetDeliveryByID(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	endpoint, err := h.Store.GetWebhookEndpoint(r.Context(), existing.EndpointID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if endpoint.OrganizationID != orgID {
		common.WriteError(w, common.NotFoundFailure("webhook_delivery"))
		return
	}
	delivery, err := h.Store.ResetDeliveryForReplay(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if h.Disp != nil {
		if h.Disp.Replay != nil {
			_ = h.Disp.Replay.Release(r.Context(), replayKey(delivery.EndpointID, delivery.EventID))
		}
		if err := h.Disp.EnqueueReplay(r.Context(), delivery.ID); err != nil {
			h.Disp.Logger.Warn().Err(err).Str("delivery_id", delivery.ID.String()).Msg("webhook_replay_enqueue_failed")
		}
	}
	common.JSON(w, http.StatusOK, delivery)
}

func (h *AdminHandler) organization(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return uuid.Nil, false
	}
	raw, ok := tenant.FromContext(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "organization_required", "organization is required", nil)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid organization id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func normaliseTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	result := make([]string, 0, len(topics))
	for _, topic := range topics {
		trimmed := strings.TrimSpace(strings.ToLower(topic))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func optionalUUID(value string) (*uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
