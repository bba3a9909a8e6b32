package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/auth"
	"github.com/fieldline-io/fieldline/pkg/eventbus"
	"github.com/fieldline-io/fieldline/pkg/models"
	"github.com/fieldline-io/fieldline/pkg/orchestrator"
	"github.com/fieldline-io/fieldline/pkg/repositories"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// MigrationStepRequest is one step of a requested migration plan.
type MigrationStepRequest struct {
	Kind   string   `json:"kind"` // expand, backfill, contract
	Fields []string `json:"fields"`
}

// RequestMigrationRequest for POST /migrations
type RequestMigrationRequest struct {
	FromVersion int                    `json:"from_version"`
	ToVersion   int                    `json:"to_version"`
	Steps       []MigrationStepRequest `json:"steps"`
}

// ============================================================================
// Handler
// ============================================================================

// MigrationHandler handles migration lifecycle requests. Requesting a
// migration publishes the event the orchestrator consumes; status reads
// come straight from the persisted run.
type MigrationHandler struct {
	runs   repositories.MigrationRunRepository
	orch   *orchestrator.Orchestrator
	pub    eventbus.Publisher
	logger *zap.Logger
}

// NewMigrationHandler creates a new migration handler.
func NewMigrationHandler(
	runs repositories.MigrationRunRepository,
	orch *orchestrator.Orchestrator,
	pub eventbus.Publisher,
	logger *zap.Logger,
) *MigrationHandler {
	return &MigrationHandler{
		runs:   runs,
		orch:   orch,
		pub:    pub,
		logger: logger,
	}
}

// RegisterRoutes registers the migration handler's routes on the given mux.
func (h *MigrationHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/api/tenants/{tid}/schemas/{entity}/migrations"
	guard := authMiddleware.RequireTenantWithPathValidation("tid")

	mux.HandleFunc("POST "+base, guard(h.Request))
	mux.HandleFunc("GET "+base, guard(h.Status))
	mux.HandleFunc("DELETE "+base, guard(h.Cancel))
}

// Request handles POST /api/tenants/{tid}/schemas/{entity}/migrations
func (h *MigrationHandler) Request(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}
	entityName := EntityName(r)

	var req RequestMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"))
		return
	}
	if req.ToVersion <= req.FromVersion {
		h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_plan", "to_version must exceed from_version"))
		return
	}

	plan := models.MigrationPlan{
		TenantID:    tenantID,
		EntityName:  entityName,
		FromVersion: req.FromVersion,
		ToVersion:   req.ToVersion,
	}
	for _, s := range req.Steps {
		kind := models.MigrationStepKind(s.Kind)
		if !models.IsValidMigrationStepKind(kind) {
			h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_plan", "Unknown step kind: "+s.Kind))
			return
		}
		plan.Steps = append(plan.Steps, models.MigrationStep{Kind: kind, Fields: s.Fields})
	}

	evt := eventbus.NewEvent(eventbus.TopicMigrationRequested, tenantID, entityName, plan.ToVersion)
	evt.Payload = eventbus.MigrationRequestedPayload{
		FromVersion: plan.FromVersion,
		ToVersion:   plan.ToVersion,
		Plan:        plan,
	}
	if err := h.pub.Publish(r.Context(), evt); err != nil {
		h.logger.Error("Failed to publish migration request",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", entityName),
			zap.Error(err))
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusAccepted, ApiResponse{Success: true, Message: "Migration requested"}))
}

// Status handles GET /api/tenants/{tid}/schemas/{entity}/migrations
// Returns the active (unarchived) run for the entity.
func (h *MigrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	run, err := h.runs.GetActive(r.Context(), tenantID, EntityName(r))
	if err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: run}))
}

// Cancel handles DELETE /api/tenants/{tid}/schemas/{entity}/migrations
// Only permitted before backfill has mutated any rows.
func (h *MigrationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.orch.Cancel(r.Context(), tenantID, EntityName(r)); err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Migration cancelled"}))
}

func (h *MigrationHandler) writeError(w http.ResponseWriter, err error) {
	if err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
