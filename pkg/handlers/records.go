package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/auth"
	"github.com/fieldline-io/fieldline/pkg/gateway"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/services"
)

// RecordListResponse for GET /records
type RecordListResponse struct {
	Records []mapper.Record `json:"records"`
	Total   int             `json:"total"`
}

// RecordHandler handles entity record CRUD requests.
type RecordHandler struct {
	recordService services.RecordService
	logger        *zap.Logger
}

// NewRecordHandler creates a new record handler.
func NewRecordHandler(recordService services.RecordService, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{
		recordService: recordService,
		logger:        logger,
	}
}

// RegisterRoutes registers the record handler's routes on the given mux.
func (h *RecordHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/api/tenants/{tid}/entities/{entity}/records"
	guard := authMiddleware.RequireTenantWithPathValidation("tid")

	mux.HandleFunc("POST "+base, guard(h.Create))
	mux.HandleFunc("GET "+base, guard(h.Query))
	mux.HandleFunc("GET "+base+"/{key}", guard(h.Get))
	mux.HandleFunc("PUT "+base+"/{key}", guard(h.Update))
	mux.HandleFunc("DELETE "+base+"/{key}", guard(h.Delete))
}

// Create handles POST /api/tenants/{tid}/entities/{entity}/records
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}
	entityName := EntityName(r)

	var record mapper.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"))
		return
	}

	if err := h.recordService.Insert(r.Context(), tenantID, entityName, record); err != nil {
		h.logger.Debug("Record insert rejected",
			zap.String("tenant_id", tenantID.String()),
			zap.String("entity", entityName),
			zap.Error(err))
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusCreated, ApiResponse{Success: true}))
}

// Get handles GET /api/tenants/{tid}/entities/{entity}/records/{key}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.recordService.Get(r.Context(), tenantID, EntityName(r), r.PathValue("key"))
	if err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: record}))
}

// Query handles GET /api/tenants/{tid}/entities/{entity}/records
// Filter with field=value query parameters; limit, offset, order_by and
// desc control pagination and ordering.
func (h *RecordHandler) Query(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	opts, err := parseQueryOptions(r)
	if err != nil {
		h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_query", err.Error()))
		return
	}

	records, err := h.recordService.Query(r.Context(), tenantID, EntityName(r), opts)
	if err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	response := RecordListResponse{Records: records, Total: len(records)}
	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}))
}

// Update handles PUT /api/tenants/{tid}/entities/{entity}/records/{key}
// The body carries only the fields to change.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	var fields mapper.Record
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		h.writeError(w, ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"))
		return
	}

	if err := h.recordService.Update(r.Context(), tenantID, EntityName(r), r.PathValue("key"), fields); err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true}))
}

// Delete handles DELETE /api/tenants/{tid}/entities/{entity}/records/{key}
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := ParseTenantID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.recordService.Delete(r.Context(), tenantID, EntityName(r), r.PathValue("key")); err != nil {
		h.writeError(w, ServiceError(w, err))
		return
	}

	h.writeError(w, WriteJSON(w, http.StatusOK, ApiResponse{Success: true}))
}

func (h *RecordHandler) writeError(w http.ResponseWriter, err error) {
	if err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// reservedQueryParams are pagination and ordering controls, not filters.
var reservedQueryParams = map[string]bool{
	"limit":    true,
	"offset":   true,
	"order_by": true,
	"desc":     true,
}

func parseQueryOptions(r *http.Request) (gateway.QueryOptions, error) {
	opts := gateway.QueryOptions{}
	query := r.URL.Query()

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return opts, errInvalidParam("limit")
		}
		opts.Limit = limit
	}
	if v := query.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return opts, errInvalidParam("offset")
		}
		opts.Offset = offset
	}
	opts.OrderBy = query.Get("order_by")
	if v := query.Get("desc"); v != "" {
		desc, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errInvalidParam("desc")
		}
		opts.Desc = desc
	}

	for field, values := range query {
		if reservedQueryParams[field] || len(values) == 0 {
			continue
		}
		if opts.Filters == nil {
			opts.Filters = make(map[string]any)
		}
		opts.Filters[field] = values[0]
	}
	return opts, nil
}

type invalidParamError string

func (e invalidParamError) Error() string {
	return "invalid query parameter: " + string(e)
}

func errInvalidParam(name string) error {
	return invalidParamError(name)
}
