package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/market-scout/pkg/client"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCreate(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/create_token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "120", r.URL.Query().Get("ttl"))
		assert.Equal(t, "7", r.URL.Query().Get("op_limit"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(client.Token{ID: "rs.new", TTL: 120, OpLimit: 7, TCLimit: 5})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	out, err := execute(t, "--server", srv.URL+"/api", "--master-token", "secret",
		"token", "create", "--ttl", "2m", "--op-limit", "7")
	require.NoError(t, err)

	var tok client.Token
	require.NoError(t, json.Unmarshal([]byte(out), &tok))
	assert.Equal(t, "rs.new", tok.ID)
}

func TestTokenRevokeSurfacesAPIError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/cutout_token/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"InvalidMasterToken","message":"invalid master token"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, err := execute(t, "--server", srv.URL+"/api", "token", "revoke", "rs.gone")
	require.Error(t, err)
	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))
}

func TestOrderRequiresProducts(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "order")
	assert.Error(t, err)
}
