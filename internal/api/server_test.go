package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, map[string]int{"balance": 42})

	var env apiEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Empty(t, env.Error)
	assert.NotNil(t, env.Data)
}

func TestWriteAPIErrorSetsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeAPIError(w, http.StatusBadRequest, "bad request")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var env apiEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "bad request", env.Error)
}

func TestCommonMiddlewareHandlesOptions(t *testing.T) {
	called := false
	h := commonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/v1/address/x/balance", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminAuthMiddlewareDisabledWithoutKey(t *testing.T) {
	s := &Server{}
	h := adminAuthMiddleware(s, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without an admin key configured")
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/resync/balances/balances", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminAuthMiddlewareRejectsBadToken(t *testing.T) {
	s := &Server{adminKey: []byte("secret")}
	h := adminAuthMiddleware(s, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run with an invalid token")
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/resync/balances/balances", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
