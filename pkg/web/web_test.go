package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespond(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	require.NoError(t, Respond(context.Background(), w, http.StatusCreated, map[string]int{"n": 1}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, w.Body.String())
}

func TestRespond_NoContent(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	require.NoError(t, Respond(context.Background(), w, http.StatusNoContent, nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestDecode(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name     string
		body     string
		maxBytes int64
		want     string
		wantErr  bool
	}{
		{name: "valid", body: `{"name":"x"}`, want: "x"},
		{name: "empty body", body: "", wantErr: true},
		{name: "unknown field", body: `{"name":"x","extra":1}`, wantErr: true},
		{name: "trailing value", body: `{"name":"x"}{"name":"y"}`, wantErr: true},
		{name: "too large", body: `{"name":"xxxxxxxxxxxxxxxxxxxx"}`, maxBytes: 8, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			var p payload
			err := Decode(w, r, &p, tt.maxBytes)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}
}
