package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/auth"
	"github.com/fieldline-io/fieldline/pkg/models"
	"github.com/fieldline-io/fieldline/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// PropertyRequest is one schema property in deployment requests. Order in
// the request array is preserved as declaration order.
type PropertyRequest struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Required  bool   `json:"required,omitempty"`
	Format    string `json:"format,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	MinLength *int   `json:"min_length,omitempty"`
	MaxLength *int   `json:"max_length,omitempty"`
	Default   any    `json:"default,omitempty"`
}

// DeploySchemaRequest for POST /schemas
type DeploySchemaRequest struct {
	EntityName string            `json:"entity_name"`
	KeyField   string            `json:"key_field"`
	Properties []PropertyRequest `json:"properties"`
}

// UpdateSchemaRequest for PUT /schemas/{entity}
type UpdateSchemaRequest struct {
	Version    int               `json:"version"`
	KeyField   string            `json:"key_field"`
	Properties []PropertyRequest `json:"properties"`
	Breaking   bool              `json:"breaking"`
}

// SchemaVersionsResponse for GET /schemas/{entity}/versions
type SchemaVersionsResponse struct {
	Versions []*models.SchemaDefinition `json:"versions"`
	Total    int                        `json:"total"`
}

// ============================================================================
// Handler
// ============================================================================

// SchemaHandler handles schema deployment and inspection requests.
type SchemaHandler struct {
	schemaService services.SchemaService
	logger        *zap.Logger
}

// NewSchemaHandler creates a new schema handler.
func NewSchemaHandler(schemaService services.SchemaService, logger *zap.Logger) *SchemaHandler {
	return &SchemaHandler{
		schemaService: schemaService,
		logger:        logger,
	}
}

// RegisterRoutes registers the schema handler's routes on the given mux.
func (h *SchemaHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/api/tenants/{tid}/schemas"
	guard := authMiddleware.RequireTenantWithPathValidation("tid")

	mux.HandleFunc("POST "+base, guard(h.Deploy))
	mux.HandleFunc("GET "+base+"/{entity}", guard(h.Get))
	mux.HandleFunc("PUT "+base+"/{entity}", guard(h.Update))
	mux.HandleFunc("GET "+base+"/{entity}/versions", guard(h.ListVersions))
}

// Deploy handles POST /api/tenants/{tid}/schemas
func (h *SchemaHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	var req DeploySchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"))
		return
	}

	def := &models.SchemaDefinition{
		TenantID:   tenantID,
		EntityName: req.EntityName,
		Version:    1,
		KeyField:   req.KeyField,
		Properties: toProperties(req.Properties),
	}

	if err := h.schemaService.Deploy(r.Context(), def); err != nil {
		h.logger.Error("Failed to deploy schema",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", req.EntityName),
			zap.Error(err))
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: def}))
}

// Get handles GET /api/tenants/{tid}/schemas/{entity}?version=N
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}
	entityName := EntityName(r)

	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_version", "Version must be a positive integer"))
			return
		}
		version = parsed
	}

	def, err := h.schemaService.Get(r.Context(), tenantID, entityName, version)
	if err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: def}))
}

// Update handles PUT /api/tenants/{tid}/schemas/{entity}
func (h *SchemaHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}
	entityName := EntityName(r)

	var req UpdateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"))
		return
	}

	def := &models.SchemaDefinition{
		TenantID:   tenantID,
		EntityName: entityName,
		Version:    req.Version,
		KeyField:   req.KeyField,
		Properties: toProperties(req.Properties),
	}

	if err := h.schemaService.DeployUpdate(r.Context(), def, req.Breaking); err != nil {
		h.logger.Error("Failed to deploy schema update",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", entityName),
			zap.Int("version", req.Version),
			zap.Error(err))
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: def}))
}

// ListVersions handles GET /api/tenants/{tid}/schemas/{entity}/versions
func (h *SchemaHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}
	entityName := EntityName(r)

	versions, err := h.schemaService.ListVersions(r.Context(), tenantID, entityName)
	if err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	response := SchemaVersionsResponse{Versions: versions, Total: len(versions)}
	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}))
}

func (h *SchemaHandler) writeError(w http.ResponseWriter, err error) {
	if err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func toProperties(reqs []PropertyRequest) []models.Property {
	props := make([]models.Property, 0, len(reqs))
	for _, p := range reqs {
		props = append(props, models.Property{
			Name: p.Name,
			Definition: models.PropertyDefinition{
				Type:      models.PropertyType(p.Type),
				Required:  p.Required,
				Format:    p.Format,
				Pattern:   p.Pattern,
				MinLength: p.MinLength,
				MaxLength: p.MaxLength,
				Default:   p.Default,
			},
		})
	}
	return props
}
