package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

type stubDirectory struct {
	approvers map[string]bool
}

func (s *stubDirectory) IsActiveApprover(_ context.Context, userID string) (bool, error) {
	return s.approvers[userID], nil
}

type stubDelegateStore struct {
	byPrimary map[string]*repository.Delegate
}

func (s *stubDelegateStore) GetActiveByPrimary(_ context.Context, primary string) (*repository.Delegate, error) {
	return s.byPrimary[primary], nil
}

func (s *stubDelegateStore) Create(_ context.Context, d *repository.Delegate) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.ID = "d1"
	s.byPrimary[d.PrimaryApprover] = d
	return nil
}

func (s *stubDelegateStore) Update(_ context.Context, d *repository.Delegate) error {
	s.byPrimary[d.PrimaryApprover] = d
	return nil
}

func (s *stubDelegateStore) Delete(_ context.Context, id string) error {
	for primary, d := range s.byPrimary {
		if d.ID == id {
			delete(s.byPrimary, primary)
			return nil
		}
	}
	return apperr.NotFound("delegate", id)
}

func newTestRouter() chi.Router {
	log := logger.New(logger.Config{Level: "disabled"})
	directory := &stubDirectory{approvers: map[string]bool{"E100": true}}
	store := &stubDelegateStore{byPrimary: map[string]*repository.Delegate{}}

	delegation := service.NewDelegationService(directory, store, zerolog.Nop())
	h := NewHTTPHandler(delegation, nil, nil, nil, nil, nil, nil, log)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, r chi.Router, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestDelegationEndpoints(t *testing.T) {
	r := newTestRouter()

	rec := doRequest(t, r, http.MethodGet, "/api/v1/delegation", "E100", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view service.DelegationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, service.DelegationStatusNone, view.Status)

	body, err := json.Marshal(service.SaveDelegationRequest{
		DelegateApprover: "E200",
		StartDate:        time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	rec = doRequest(t, r, http.MethodPut, "/api/v1/delegation", "E100", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "E200", view.DelegateApprover)
	assert.Equal(t, service.DelegationStatusActive, view.Status)

	rec = doRequest(t, r, http.MethodDelete, "/api/v1/delegation", "E100", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, r, http.MethodDelete, "/api/v1/delegation", "E100", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDelegationErrorMapping(t *testing.T) {
	r := newTestRouter()

	// Not an approver: forbidden.
	rec := doRequest(t, r, http.MethodGet, "/api/v1/delegation", "E999", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// No user header: bad request.
	rec = doRequest(t, r, http.MethodGet, "/api/v1/delegation", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Self-delegation: bad request.
	body := `{"delegate_approver":"E100","start_date":"2024-01-01T00:00:00Z"}`
	rec = doRequest(t, r, http.MethodPut, "/api/v1/delegation", "E100", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed payload.
	rec = doRequest(t, r, http.MethodPut, "/api/v1/delegation", "E100", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
