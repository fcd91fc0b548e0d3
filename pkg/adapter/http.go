package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTP talks to the document host's REST bridge. Failures are classified
// into ErrTransient / ErrPermanent so the Retrying wrapper and the engine
// can branch without knowing the transport. Safe for concurrent use.
type HTTP struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTP builds a client for the bridge at baseURL. The token is sent as
// a bearer credential on every call.
func NewHTTP(baseURL, token string) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type hostError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTP) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", ErrPermanent, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %v", ErrTransient, method, path, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusConflict:
		// 409 is the host's index-drift answer: the row moved under a
		// concurrent edit, a re-read will land it.
		return fmt.Errorf("%w: %s %s: http %d", ErrTransient, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e hostError
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			return fmt.Errorf("%w: %s %s: %s: %s", ErrPermanent, method, path, e.Code, e.Message)
		}
		return fmt.Errorf("%w: %s %s: http %d", ErrPermanent, method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: %s %s: decode response: %v", ErrPermanent, method, path, err)
		}
	}
	return nil
}

func docPath(docID, suffix string) string {
	return "/v1/documents/" + url.PathEscape(docID) + suffix
}

func (h *HTTP) ListTrackedDocuments(ctx context.Context) ([]DocumentRef, error) {
	var res struct {
		Documents []DocumentRef `json:"documents"`
	}
	if err := h.do(ctx, http.MethodGet, "/v1/documents", nil, &res); err != nil {
		return nil, err
	}
	return res.Documents, nil
}

func (h *HTTP) LoadTables(ctx context.Context, docID string) (*Tables, error) {
	var tables Tables
	if err := h.do(ctx, http.MethodGet, docPath(docID, "/tables"), nil, &tables); err != nil {
		return nil, err
	}
	return &tables, nil
}

func (h *HTTP) AppendCommandRow(ctx context.Context, docID string, row CommandRow) error {
	return h.do(ctx, http.MethodPost, docPath(docID, "/tables/commands/rows"), row, nil)
}

func (h *HTTP) UpdateCommandRow(ctx context.Context, docID string, rowIndex int, patch CommandPatch) error {
	return h.do(ctx, http.MethodPatch,
		docPath(docID, fmt.Sprintf("/tables/commands/rows/%d", rowIndex)), patch, nil)
}

func (h *HTTP) AppendAuditRow(ctx context.Context, docID, timestampISO, message string) error {
	return h.do(ctx, http.MethodPost, docPath(docID, "/tables/audit/rows"), AuditRow{
		Timestamp: timestampISO, Message: message,
	}, nil)
}

func (h *HTTP) AppendActivityRow(ctx context.Context, docID, timestampISO, kind, details, txRef string) error {
	return h.do(ctx, http.MethodPost, docPath(docID, "/tables/activity/rows"), ActivityRow{
		Timestamp: timestampISO, Type: kind, Details: details, TxRef: txRef,
	}, nil)
}

func (h *HTTP) WriteConfigBatch(ctx context.Context, docID string, entries []ConfigEntry) error {
	return h.do(ctx, http.MethodPut, docPath(docID, "/tables/config"), map[string]any{
		"entries": entries,
	}, nil)
}

func (h *HTTP) WriteBalancesSnapshot(ctx context.Context, docID string, rows []BalanceRow) error {
	return h.do(ctx, http.MethodPut, docPath(docID, "/tables/balances"), map[string]any{
		"rows": rows,
	}, nil)
}

func (h *HTTP) WriteOpenOrders(ctx context.Context, docID string, rows []OrderRow) error {
	return h.do(ctx, http.MethodPut, docPath(docID, "/tables/orders"), map[string]any{
		"rows": rows,
	}, nil)
}

func (h *HTTP) AppendChatReply(ctx context.Context, docID string, rowIndex int, reply string) error {
	return h.do(ctx, http.MethodPost,
		docPath(docID, fmt.Sprintf("/tables/chat/rows/%d/reply", rowIndex)), map[string]string{
			"reply": reply,
		}, nil)
}
