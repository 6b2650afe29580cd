// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"learnwork/consultation/llm"
	"learnwork/shared/logger"
)

// Handler serves the consultation HTTP API
type Handler struct {
	service *Service
	bridge  *SSEBridge
	log     *logger.Logger
}

// NewHandler creates a Handler
func NewHandler(service *Service, bridge *SSEBridge, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.New("http")
	}
	return &Handler{service: service, bridge: bridge, log: log}
}

// RegisterRoutes registers the API routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/consultation/questions", h.SubmitQuestion).Methods("POST")
	r.HandleFunc("/api/v1/consultation/questions/stream", h.SubmitQuestionStream).Methods("POST")
	r.HandleFunc("/api/v1/consultation/questions/my", h.ListMyQuestions).Methods("GET")
	r.HandleFunc("/api/v1/consultation/questions", h.ListQuestions).Methods("GET")
	r.HandleFunc("/api/v1/consultation/questions/{id:[0-9]+}", h.GetQuestion).Methods("GET")
	r.HandleFunc("/api/v1/consultation/questions/{id:[0-9]+}/rate", h.RateQuestion).Methods("POST")
	r.HandleFunc("/api/v1/consultation/questions/{id:[0-9]+}/transfer", h.RequestTransfer).Methods("POST")

	r.HandleFunc("/api/v1/transfers/my", h.ListMyTransfers).Methods("GET")
	r.HandleFunc("/api/v1/transfers/assigned", h.ListAssignedTransfers).Methods("GET")
	r.HandleFunc("/api/v1/transfers/{id:[0-9]+}", h.GetTransfer).Methods("GET")
	r.HandleFunc("/api/v1/transfers/{id:[0-9]+}/assign", h.AssignStaff).Methods("POST")
	r.HandleFunc("/api/v1/transfers/{id:[0-9]+}/reply", h.Reply).Methods("POST")

	r.HandleFunc("/api/v1/documents/classify", h.ClassifyDocument).Methods("POST")
}

type submitRequest struct {
	QuestionText string `json:"questionText"`
	QuestionType string `json:"questionType"`
	Category     string `json:"category"`
	ImageURL     string `json:"imageUrl"`
	VoiceURL     string `json:"voiceUrl"`
}

func (req submitRequest) input(userID int64) SubmitInput {
	return SubmitInput{
		UserID:   userID,
		Text:     req.QuestionText,
		Type:     QuestionType(req.QuestionType),
		Category: req.Category,
		ImageURL: req.ImageURL,
		VoiceURL: req.VoiceURL,
	}
}

// SubmitQuestion handles POST /api/v1/consultation/questions
func (h *Handler) SubmitQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.service.Submit(r.Context(), req.input(id.UserID))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// SubmitQuestionStream handles POST /api/v1/consultation/questions/stream
func (h *Handler) SubmitQuestionStream(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, sub, err := h.service.SubmitStream(r.Context(), req.input(id.UserID))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.bridge.Serve(r.Context(), w, q.ID, sub)
}

// GetQuestion handles GET /api/v1/consultation/questions/{id}
func (h *Handler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	qid, ok := pathID(w, r)
	if !ok {
		return
	}

	q, err := h.service.GetQuestion(r.Context(), qid)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if q.UserID != id.UserID && !id.IsStaff() {
		h.writeServiceError(w, ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ListMyQuestions handles GET /api/v1/consultation/questions/my
func (h *Handler) ListMyQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	page, err := h.service.ListUserQuestions(r.Context(), id.UserID, pageFrom(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListQuestions handles GET /api/v1/consultation/questions (staff)
func (h *Handler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.staff(w, r); !ok {
		return
	}
	filter := QuestionFilter{
		Status:   QuestionStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Category: r.URL.Query().Get("category"),
	}
	page, err := h.service.ListQuestions(r.Context(), filter, pageFrom(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// RateQuestion handles POST /api/v1/consultation/questions/{id}/rate
func (h *Handler) RateQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	qid, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		SatisfactionScore int `json:"satisfactionScore"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.service.Rate(r.Context(), qid, id.UserID, req.SatisfactionScore)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// RequestTransfer handles POST /api/v1/consultation/questions/{id}/transfer
func (h *Handler) RequestTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	qid, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !h.decodeOptional(w, r, &req) {
		return
	}

	t, err := h.service.RequestTransfer(r.Context(), qid, id.UserID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListMyTransfers handles GET /api/v1/transfers/my
func (h *Handler) ListMyTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	page, err := h.service.ListUserTransfers(r.Context(), id.UserID, pageFrom(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListAssignedTransfers handles GET /api/v1/transfers/assigned (staff)
func (h *Handler) ListAssignedTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.staff(w, r)
	if !ok {
		return
	}
	page, err := h.service.ListStaffTransfers(r.Context(), id.UserID, pageFrom(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetTransfer handles GET /api/v1/transfers/{id}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	tid, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.service.GetTransfer(r.Context(), tid)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if t.UserID != id.UserID && !id.IsStaff() {
		h.writeServiceError(w, ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AssignStaff handles POST /api/v1/transfers/{id}/assign (staff). The body's
// staffId defaults to the caller.
func (h *Handler) AssignStaff(w http.ResponseWriter, r *http.Request) {
	id, ok := h.staff(w, r)
	if !ok {
		return
	}
	tid, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		StaffID int64 `json:"staffId"`
	}
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.StaffID == 0 {
		req.StaffID = id.UserID
	}

	t, err := h.service.AssignStaff(r.Context(), tid, req.StaffID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Reply handles POST /api/v1/transfers/{id}/reply (staff). The replying
// staff member is always the caller.
func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	id, ok := h.staff(w, r)
	if !ok {
		return
	}
	tid, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reply string `json:"reply"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.service.ReplyTransfer(r.Context(), tid, id.UserID, req.Reply)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type classifyResponse struct {
	DocumentType llm.DocumentType `json:"documentType"`
	ExpectedType llm.DocumentType `json:"expectedType,omitempty"`
	Matches      *bool            `json:"matches,omitempty"`
}

// ClassifyDocument handles POST /api/v1/documents/classify
func (h *Handler) ClassifyDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	classifier := h.service.Classifier()
	if classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_SERVICE_ERROR", "document classification is not configured")
		return
	}
	var req struct {
		FileURL      string `json:"fileUrl"`
		ExpectedType string `json:"expectedType"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FileURL) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "fileUrl is required")
		return
	}

	dt, err := classifier.ClassifyDocument(r.Context(), req.FileURL)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	resp := classifyResponse{DocumentType: dt}
	if req.ExpectedType != "" {
		expected := llm.DocumentType(req.ExpectedType)
		match := llm.MatchesDocumentType(dt, expected)
		resp.ExpectedType = expected
		resp.Matches = &match
	}
	writeJSON(w, http.StatusOK, resp)
}

// identity returns the authenticated caller or writes 401.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return Identity{}, false
	}
	return id, true
}

// staff returns the caller if it is staff, or writes 401/403.
func (h *Handler) staff(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := h.identity(w, r)
	if !ok {
		return Identity{}, false
	}
	if !id.IsStaff() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "staff role required")
		return Identity{}, false
	}
	return id, true
}

const maxBodyBytes = 1 << 20

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, v)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid id")
		return 0, false
	}
	return id, true
}

func pageFrom(r *http.Request) PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return PageRequest{Page: page, Size: size}
}

// writeServiceError maps domain errors to HTTP statuses
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.ErrorWithErr(0, 0, "request failed", err, nil)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func errorStatus(err error) (int, string) {
	var svcErr *llm.AIServiceError
	switch {
	case errors.Is(err, ErrQuestionNotFound), errors.Is(err, ErrTransferNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, ErrActiveTransferExists):
		return http.StatusConflict, "ACTIVE_TRANSFER_EXISTS"
	case errors.Is(err, ErrDispatchInProgress):
		return http.StatusConflict, "DISPATCH_IN_PROGRESS"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrPoolFull):
		return http.StatusServiceUnavailable, "BUSY"
	case errors.As(err, &svcErr):
		return http.StatusBadGateway, "AI_SERVICE_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
