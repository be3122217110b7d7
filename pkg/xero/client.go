package xero

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultAPIBaseURL = "https://api.xero.com/api.xro/2.0"

// Error is a non-2xx response from the accounting API.
type Error struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
	Op         string
}

func (e *Error) Error() string {
	return fmt.Sprintf("xero: %s: status %d", e.Op, e.StatusCode)
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) (retryAfter time.Duration, ok bool) {
	var xe *Error
	if eris.As(err, &xe) && xe.StatusCode == http.StatusTooManyRequests {
		return xe.RetryAfter, true
	}
	return 0, false
}

// IsServerError reports whether err is a provider 5xx.
func IsServerError(err error) bool {
	var xe *Error
	return eris.As(err, &xe) && xe.StatusCode >= 500
}

// IsUnauthorized reports whether err is a provider 401/403.
func IsUnauthorized(err error) bool {
	var xe *Error
	return eris.As(err, &xe) && (xe.StatusCode == http.StatusUnauthorized || xe.StatusCode == http.StatusForbidden)
}

// Item is one record from a listing endpoint, kept verbatim for the cache.
type Item struct {
	ID  string
	Raw json.RawMessage
}

// Page is one page of a listing endpoint.
type Page struct {
	Items   []Item
	HasMore bool
}

// Client lists accounting records page by page. Pages are 1-based; the
// caller owns ordering and resume state.
type Client interface {
	ListPage(ctx context.Context, accessToken, tenantID, dataType string, year, page int) (*Page, error)
}

// endpointByDataType maps data type keys to API resource paths and the
// JSON collection key in the response envelope.
var endpointByDataType = map[string]struct {
	path string
	key  string
}{
	"invoices":          {"/Invoices", "Invoices"},
	"bank_transactions": {"/BankTransactions", "BankTransactions"},
	"credit_notes":      {"/CreditNotes", "CreditNotes"},
	"payments":          {"/Payments", "Payments"},
	"manual_journals":   {"/ManualJournals", "ManualJournals"},
}

// idFieldByCollection maps collection keys to the record ID field.
var idFieldByCollection = map[string]string{
	"Invoices":         "InvoiceID",
	"BankTransactions": "BankTransactionID",
	"CreditNotes":      "CreditNoteID",
	"Payments":         "PaymentID",
	"ManualJournals":   "ManualJournalID",
}

// ClientOption configures the API client.
type ClientOption func(*apiClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *apiClient) { c.baseURL = u }
}

// WithPageSize sets the page size requested from the provider.
func WithPageSize(n int) ClientOption {
	return func(c *apiClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *apiClient) { c.http = hc }
}

type apiClient struct {
	baseURL  string
	pageSize int
	http     *http.Client
}

// NewClient creates an accounting API client.
func NewClient(opts ...ClientOption) Client {
	c := &apiClient{
		baseURL:  defaultAPIBaseURL,
		pageSize: 100,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListPage fetches one page of records for a data type within a financial
// year (Australian FY: 1 July of year-1 through 30 June of year).
func (c *apiClient) ListPage(ctx context.Context, accessToken, tenantID, dataType string, year, page int) (*Page, error) {
	ep, ok := endpointByDataType[dataType]
	if !ok {
		return nil, eris.Errorf("xero: unknown data type %q", dataType)
	}

	u := fmt.Sprintf("%s%s?page=%d&pageSize=%d&where=%s", c.baseURL, ep.path, page, c.pageSize, fyWhereClause(year))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "xero: build list request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Xero-Tenant-Id", tenantID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "xero: list %s page %d", dataType, page)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, eris.Wrap(err, "xero: read list response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       string(body),
			Op:         fmt.Sprintf("list %s page %d", dataType, page),
		}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, eris.Wrap(err, "xero: decode list envelope")
	}

	var records []json.RawMessage
	if raw, ok := envelope[ep.key]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, eris.Wrapf(err, "xero: decode %s collection", ep.key)
		}
	}

	p := &Page{HasMore: len(records) == c.pageSize}
	idField := idFieldByCollection[ep.key]
	for _, rec := range records {
		var idHolder map[string]any
		if err := json.Unmarshal(rec, &idHolder); err != nil {
			return nil, eris.Wrap(err, "xero: decode record")
		}
		id, _ := idHolder[idField].(string)
		if id == "" {
			return nil, eris.Errorf("xero: record missing %s", idField)
		}
		p.Items = append(p.Items, Item{ID: id, Raw: rec})
	}
	return p, nil
}

// fyWhereClause restricts a listing to one Australian financial year.
func fyWhereClause(year int) string {
	return fmt.Sprintf("Date>=DateTime(%d,07,01)%%20AND%%20Date<DateTime(%d,07,01)", year-1, year)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
