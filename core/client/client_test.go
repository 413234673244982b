// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package client_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/provisio/core/access"
	"github.com/relabs-tech/provisio/core/client"
)

func testRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name":"thing"}`))
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"name":"thing"}`))
		}
	}).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/things/one", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}).Methods(http.MethodPut, http.MethodDelete)
	router.HandleFunc("/echo-header", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("X-Test")))
	}).Methods(http.MethodGet)
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole("account") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(auth.AccountID.String()))
	}).Methods(http.MethodGet)
	router.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusNotFound)
	}).Methods(http.MethodGet)
	return router
}

func TestRawVerbs(t *testing.T) {
	cl := client.NewWithRouter(testRouter())

	var result struct {
		Name string `json:"name"`
	}
	status, err := cl.RawGet("/things", &result)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "thing", result.Name)

	status, err = cl.RawPost("/things", map[string]string{"name": "thing"}, &result)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	status, err = cl.RawPut("/things/one", map[string]string{"name": "thing"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = cl.RawDelete("/things/one")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestRawResult(t *testing.T) {
	cl := client.NewWithRouter(testRouter())

	// a raw byte slice receives the body verbatim
	var raw []byte
	_, err := cl.RawGet("/things", &raw)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"thing"}`, string(raw))
}

func TestUnexpectedStatusIsAnError(t *testing.T) {
	cl := client.NewWithRouter(testRouter())

	status, err := cl.RawGet("/missing", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, err.Error(), "gone fishing")
}

func TestWithHeader(t *testing.T) {
	cl := client.NewWithRouter(testRouter()).WithHeader("X-Test", "hello")

	var body []byte
	_, err := cl.RawGet("/echo-header", &body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestWithAuthorization(t *testing.T) {
	router := testRouter()

	status, _ := client.NewWithRouter(router).RawGet("/whoami", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	auth := &access.Authorization{
		Roles:     []string{"account"},
		AccountID: uuid.New(),
	}
	var body []byte
	status, err := client.NewWithRouter(router).WithAuthorization(auth).RawGet("/whoami", &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, auth.AccountID.String(), string(body))
}
