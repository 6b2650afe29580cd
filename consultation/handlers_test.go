// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnwork/consultation/llm"
	"learnwork/shared/logger"
)

type fakeClassifier struct {
	docType llm.DocumentType
	err     error
}

func (c fakeClassifier) ClassifyDocument(context.Context, string) (llm.DocumentType, error) {
	return c.docType, c.err
}

func (c fakeClassifier) CheckDocumentType(_ context.Context, _ string, expected llm.DocumentType) bool {
	return c.err == nil && c.docType == expected
}

type apiClient struct {
	t      *testing.T
	router http.Handler
}

func newAPIClient(t *testing.T, service *Service) *apiClient {
	t.Helper()
	r := mux.NewRouter()
	api := r.NewRoute().Subrouter()
	api.Use(NewAuthenticator("").Middleware)
	NewHandler(service, NewSSEBridge(time.Second, logger.Discard()), logger.Discard()).RegisterRoutes(api)
	return &apiClient{t: t, router: r}
}

// do sends a request as userID with role; userID 0 sends no identity.
func (c *apiClient) do(method, path, body string, userID int64, role string) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("X-User-ID", fmt.Sprint(userID))
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorBody](t, rec).Error.Code
}

func TestHandlerSubmitAndGet(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{answer: "食堂早6点半开门。"})
	api := newAPIClient(t, env.service)

	rec := api.do(http.MethodPost, "/api/v1/consultation/questions",
		`{"questionText":"食堂几点开门","category":"校园生活"}`, 11, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decodeBody[Question](t, rec)
	assert.Equal(t, StatusPending, q.Status)
	assert.Equal(t, TypeText, q.Type)
	assert.Equal(t, int64(11), q.UserID)

	waitDispatches(t, env.orch)

	path := fmt.Sprintf("/api/v1/consultation/questions/%d", q.ID)
	rec = api.do(http.MethodGet, path, "", 11, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[Question](t, rec)
	assert.Equal(t, StatusAnswered, got.Status)
	assert.Equal(t, "食堂早6点半开门。", got.Answer)
	assert.Equal(t, SourceAI, got.AnswerSource)

	rec = api.do(http.MethodGet, path, "", 12, RoleStudent)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodGet, path, "", 90, RoleStaff)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/consultation/questions/9999", "", 11, RoleStudent)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestHandlerSubmitValidation(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{})
	api := newAPIClient(t, env.service)

	tests := []struct {
		name   string
		body   string
		user   int64
		status int
		code   string
	}{
		{name: "no identity", body: `{"questionText":"x"}`, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "bad json", body: `{"questionText":`, user: 1, status: http.StatusBadRequest, code: "INVALID_INPUT"},
		{name: "empty text", body: `{"questionText":"  "}`, user: 1, status: http.StatusBadRequest, code: "INVALID_INPUT"},
		{name: "bad type", body: `{"questionText":"x","questionType":"VIDEO"}`, user: 1, status: http.StatusBadRequest, code: "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/v1/consultation/questions", tt.body, tt.user, RoleStudent)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestHandlerSubmitStream(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{fragments: []string{"你好", "同学"}})
	api := newAPIClient(t, env.service)

	rec := api.do(http.MethodPost, "/api/v1/consultation/questions/stream", `{"questionText":"心理咨询预约"}`, 3, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: question\ndata: 1\n\n"), body)
	assert.Contains(t, body, "data: 你好\n\ndata: 同学\n\n")
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: [DONE]\n\n"), body)
}

func TestHandlerSubmitStreamEscalated(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{})
	api := newAPIClient(t, env.service)

	rec := api.do(http.MethodPost, "/api/v1/consultation/questions/stream", `{"questionText":"我要申诉"}`, 3, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data: "+HandoffNotice+"\n\n")
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestHandlerListQuestionsRequiresStaff(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{})
	api := newAPIClient(t, env.service)
	env.addQuestion(t, 1, "a")
	env.addQuestion(t, 2, "b")

	rec := api.do(http.MethodGet, "/api/v1/consultation/questions", "", 1, RoleStudent)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/consultation/questions?status=pending&size=1", "", 90, RoleStaff)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[Page[Question]](t, rec)
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.Items, 1)
	assert.Contains(t, rec.Body.String(), `"records"`)

	rec = api.do(http.MethodGet, "/api/v1/consultation/questions?status=lost", "", 90, RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/consultation/questions/my", "", 1, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeBody[Page[Question]](t, rec).Total)
}

func TestHandlerTransferFlow(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{})
	api := newAPIClient(t, env.service)
	q := env.addQuestion(t, 5, "宿舍调换")
	qPath := fmt.Sprintf("/api/v1/consultation/questions/%d", q.ID)

	rec := api.do(http.MethodPost, qPath+"/transfer", "", 6, RoleStudent)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, qPath+"/transfer", "", 5, RoleStudent)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tr := decodeBody[Transfer](t, rec)
	assert.Equal(t, TransferManual, tr.Type)
	assert.Equal(t, "用户申请人工服务", tr.Reason)

	rec = api.do(http.MethodPost, qPath+"/transfer", `{"reason":"again"}`, 5, RoleStudent)
	assert.Equal(t, http.StatusConflict, rec.Code)

	tPath := fmt.Sprintf("/api/v1/transfers/%d", tr.ID)
	rec = api.do(http.MethodPost, tPath+"/assign", "", 5, RoleStudent)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, tPath+"/reply", `{"reply":"too early"}`, 90, RoleStaff)
	assert.Equal(t, http.StatusForbidden, rec.Code, "unassigned transfer")

	rec = api.do(http.MethodPost, tPath+"/assign", "", 90, RoleStaff)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr = decodeBody[Transfer](t, rec)
	require.NotNil(t, tr.StaffID)
	assert.Equal(t, int64(90), *tr.StaffID)
	assert.Equal(t, TransferProcessing, tr.Status)

	rec = api.do(http.MethodPost, tPath+"/assign", `{"staffId":91}`, 90, RoleStaff)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))

	rec = api.do(http.MethodPost, tPath+"/reply", `{"reply":"已为你登记调换申请。"}`, 91, RoleStaff)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, tPath+"/reply", `{"reply":"已为你登记调换申请。"}`, 90, RoleStaff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TransferCompleted, decodeBody[Transfer](t, rec).Status)

	rec = api.do(http.MethodGet, tPath, "", 5, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "已为你登记调换申请。", decodeBody[Transfer](t, rec).StaffReply)

	rec = api.do(http.MethodGet, tPath, "", 6, RoleStudent)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodGet, qPath, "", 5, RoleStudent)
	got := decodeBody[Question](t, rec)
	assert.Equal(t, StatusAnswered, got.Status)
	assert.Equal(t, SourceHuman, got.AnswerSource)

	rec = api.do(http.MethodPost, qPath+"/rate", `{"satisfactionScore":5}`, 5, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	rated := decodeBody[Question](t, rec)
	require.NotNil(t, rated.Satisfaction)
	assert.Equal(t, 5, *rated.Satisfaction)

	rec = api.do(http.MethodPost, qPath+"/rate", `{"satisfactionScore":9}`, 5, RoleStudent)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/transfers/my", "", 5, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeBody[Page[Transfer]](t, rec).Total)

	rec = api.do(http.MethodGet, "/api/v1/transfers/assigned", "", 90, RoleStaff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeBody[Page[Transfer]](t, rec).Total)

	rec = api.do(http.MethodGet, "/api/v1/transfers/assigned", "", 5, RoleStudent)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerInvalidID(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{})
	api := newAPIClient(t, env.service)

	rec := api.do(http.MethodGet, "/api/v1/transfers/0", "", 1, RoleStudent)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/transfers/abc", "", 1, RoleStudent)
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-numeric ids do not match a route")
}

func TestHandlerClassifyDocument(t *testing.T) {
	env := newTestEnv(t, &fakeGateway{})

	api := newAPIClient(t, env.service)
	rec := api.do(http.MethodPost, "/api/v1/documents/classify", `{"fileUrl":"https://f/a.png"}`, 1, RoleStudent)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc := NewService(env.repo, env.orch, env.transfers, fakeClassifier{docType: llm.DocumentTranscript}, env.blocking, logger.Discard())
	api = newAPIClient(t, svc)

	rec = api.do(http.MethodPost, "/api/v1/documents/classify", `{"fileUrl":"https://f/a.png","expectedType":"成绩单"}`, 1, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[classifyResponse](t, rec)
	assert.Equal(t, llm.DocumentTranscript, resp.DocumentType)
	require.NotNil(t, resp.Matches)
	assert.True(t, *resp.Matches)

	rec = api.do(http.MethodPost, "/api/v1/documents/classify", `{"fileUrl":"https://f/a.png","expectedType":"推荐信"}`, 1, RoleStudent)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[classifyResponse](t, rec)
	require.NotNil(t, resp.Matches)
	assert.False(t, *resp.Matches)

	rec = api.do(http.MethodPost, "/api/v1/documents/classify", `{"fileUrl":" "}`, 1, RoleStudent)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc = NewService(env.repo, env.orch, env.transfers, fakeClassifier{err: errProviderDown}, env.blocking, logger.Discard())
	api = newAPIClient(t, svc)
	rec = api.do(http.MethodPost, "/api/v1/documents/classify", `{"fileUrl":"https://f/a.png"}`, 1, RoleStudent)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "AI_SERVICE_ERROR", errorCode(t, rec))
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{ErrQuestionNotFound, http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("wrapped: %w", ErrTransferNotFound), http.StatusNotFound, "NOT_FOUND"},
		{ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{ErrActiveTransferExists, http.StatusConflict, "ACTIVE_TRANSFER_EXISTS"},
		{ErrDispatchInProgress, http.StatusConflict, "DISPATCH_IN_PROGRESS"},
		{ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
		{ErrPoolFull, http.StatusServiceUnavailable, "BUSY"},
		{ErrPoolClosed, http.StatusServiceUnavailable, "BUSY"},
		{errProviderDown, http.StatusBadGateway, "AI_SERVICE_ERROR"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
