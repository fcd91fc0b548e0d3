package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLoadTablesSendsBearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/documents/doc-1/tables", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Tables{
			Commands: []CommandRow{{Index: 0, CmdID: "c1", Raw: "DW STATUS"}},
		})
	}))
	defer ts.Close()

	h := NewHTTP(ts.URL, "tok-1")
	tables, err := h.LoadTables(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, tables.Commands, 1)
	assert.Equal(t, "DW STATUS", tables.Commands[0].Raw)
}

func TestHTTPClassifiesFailures(t *testing.T) {
	status := http.StatusInternalServerError
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "no_table", "message": "commands table missing"})
	}))
	defer ts.Close()
	h := NewHTTP(ts.URL, "tok-1")
	ctx := context.Background()

	err := h.AppendAuditRow(ctx, "doc-1", "2026-01-01T00:00:00Z", "hello")
	assert.ErrorIs(t, err, ErrTransient)

	// Index drift answers 409 and stays retryable.
	status = http.StatusConflict
	err = h.UpdateCommandRow(ctx, "doc-1", 3, CommandPatch{})
	assert.ErrorIs(t, err, ErrTransient)

	status = http.StatusNotFound
	err = h.AppendCommandRow(ctx, "doc-1", CommandRow{CmdID: "c1"})
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Contains(t, err.Error(), "commands table missing")
}

func TestHTTPListTrackedDocuments(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/documents", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"documents": []DocumentRef{{DocID: "doc-1", DisplayName: "Treasury"}},
		})
	}))
	defer ts.Close()

	refs, err := NewHTTP(ts.URL, "tok-1").ListTrackedDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "Treasury", refs[0].DisplayName)
}
