// Package qbo is a thin REST client for the remote accounting service.
// It covers exactly the shapes this system needs: query, sales receipt
// creation, item lookup/create/patch, and department lookup. Everything
// else about the API is treated as opaque.
package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"oiat.dev/common"
)

// docNumberBatchSize caps how many document numbers go into one query so
// the URL stays well under the service's length limit.
const docNumberBatchSize = 50

// queryPageSize is the pagination window for ranged receipt queries.
const queryPageSize = 1000

// TokenProvider supplies bearer tokens. Refresh is invoked at most once
// per request, on the first 401.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://quickbooks.api.intuit.com
	BaseURL string
	// RealmID is the remote company id
	RealmID string
	// MinorVersion is appended to every request
	MinorVersion string
	// Tokens supplies and refreshes the bearer token
	Tokens TokenProvider
	// HTTPClient overrides the transport (tests)
	HTTPClient *http.Client
	// RequestsPerSecond throttles outbound calls; zero disables the limiter
	RequestsPerSecond float64
}

// Client issues authenticated requests against one realm.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

// New returns a client for the given realm.
func New(cfg Config) *Client {
	if cfg.MinorVersion == "" {
		cfg.MinorVersion = "65"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)*2)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		log:     common.Logger.WithField("component", "qbo"),
	}
}

// Query executes a SQL-like query and returns its response envelope.
func (c *Client) Query(ctx context.Context, query string) (*QueryResponse, error) {
	var env queryEnvelope
	params := url.Values{"query": {query}}
	if err := c.do(ctx, http.MethodGet, "query", params, nil, &env); err != nil {
		return nil, err
	}
	return &env.QueryResponse, nil
}

// CreateSalesReceipt posts a new document and returns the created entity.
func (c *Client) CreateSalesReceipt(ctx context.Context, payload *SalesReceipt) (*SalesReceipt, error) {
	var env receiptEnvelope
	if err := c.do(ctx, http.MethodPost, "salesreceipt", nil, payload, &env); err != nil {
		return nil, err
	}
	if env.SalesReceipt == nil {
		return nil, fmt.Errorf("create sales receipt %s: response missing SalesReceipt", payload.DocNumber)
	}
	return env.SalesReceipt, nil
}

// FindReceiptsByDocNumbers queries for existing documents by number, in
// batches, optionally constrained to a transaction date. Returns the found
// receipts keyed by document number.
func (c *Client) FindReceiptsByDocNumbers(ctx context.Context, docNumbers []string, txnDate string) (map[string]SalesReceipt, error) {
	found := make(map[string]SalesReceipt)
	for start := 0; start < len(docNumbers); start += docNumberBatchSize {
		end := start + docNumberBatchSize
		if end > len(docNumbers) {
			end = len(docNumbers)
		}
		quoted := make([]string, 0, end-start)
		for _, d := range docNumbers[start:end] {
			quoted = append(quoted, "'"+escapeSQL(d)+"'")
		}
		q := fmt.Sprintf("select Id, DocNumber, TxnDate, TotalAmt from SalesReceipt where DocNumber in (%s)",
			strings.Join(quoted, ", "))
		if txnDate != "" {
			q += fmt.Sprintf(" and TxnDate = '%s'", escapeSQL(txnDate))
		}
		resp, err := c.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, r := range resp.SalesReceipt {
			if r.DocNumber != "" {
				found[r.DocNumber] = r
			}
		}
	}
	return found, nil
}

// ReceiptsForDateRange pages through all documents in [from, to]. An empty
// to queries the single date from.
func (c *Client) ReceiptsForDateRange(ctx context.Context, from, to string) ([]SalesReceipt, error) {
	where := fmt.Sprintf("TxnDate = '%s'", escapeSQL(from))
	if to != "" && to != from {
		where = fmt.Sprintf("TxnDate >= '%s' and TxnDate <= '%s'", escapeSQL(from), escapeSQL(to))
	}

	var all []SalesReceipt
	for startPos := 1; ; startPos += queryPageSize {
		q := fmt.Sprintf(
			"select Id, SyncToken, DocNumber, TxnDate, TotalAmt from SalesReceipt where %s STARTPOSITION %d MAXRESULTS %d",
			where, startPos, queryPageSize)
		resp, err := c.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.SalesReceipt...)
		if len(resp.SalesReceipt) < queryPageSize {
			break
		}
	}
	return all, nil
}

// FindItemsByNames looks up items by exact name, in batches. Returns the
// found items keyed by name.
func (c *Client) FindItemsByNames(ctx context.Context, names []string) (map[string]Item, error) {
	found := make(map[string]Item)
	for start := 0; start < len(names); start += docNumberBatchSize {
		end := start + docNumberBatchSize
		if end > len(names) {
			end = len(names)
		}
		quoted := make([]string, 0, end-start)
		for _, n := range names[start:end] {
			quoted = append(quoted, "'"+escapeSQL(n)+"'")
		}
		q := fmt.Sprintf(
			"select Id, SyncToken, Name, Type, UnitPrice, PurchaseCost, QtyOnHand, InvStartDate, TrackQtyOnHand from Item where Name in (%s)",
			strings.Join(quoted, ", "))
		resp, err := c.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, it := range resp.Item {
			if it.Name != "" {
				found[it.Name] = it
			}
		}
	}
	return found, nil
}

// CreateItem creates an item entity.
func (c *Client) CreateItem(ctx context.Context, item *Item) (*Item, error) {
	var env itemEnvelope
	if err := c.do(ctx, http.MethodPost, "item", nil, item, &env); err != nil {
		return nil, err
	}
	if env.Item == nil {
		return nil, fmt.Errorf("create item %s: response missing Item", item.Name)
	}
	return env.Item, nil
}

// SparseUpdateItem patches the fields set on item. Id and SyncToken must
// be populated from a current read.
func (c *Client) SparseUpdateItem(ctx context.Context, item *Item) (*Item, error) {
	item.Sparse = true
	var env itemEnvelope
	if err := c.do(ctx, http.MethodPost, "item", nil, item, &env); err != nil {
		return nil, err
	}
	if env.Item == nil {
		return nil, fmt.Errorf("update item %s: response missing Item", item.ID)
	}
	return env.Item, nil
}

// FindDepartment resolves a department name to its id; empty when absent.
func (c *Client) FindDepartment(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	resp, err := c.Query(ctx, fmt.Sprintf("select Id from Department where Name = '%s'", escapeSQL(name)))
	if err != nil {
		return "", err
	}
	if len(resp.Department) == 0 {
		return "", nil
	}
	return resp.Department[0].ID, nil
}

// do issues one request with bearer auth. A 401 triggers a single token
// refresh and one retry; a second 401 is fatal for the run.
func (c *Client) do(ctx context.Context, method, entity string, params url.Values, body, out interface{}) error {
	token, err := c.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	resp, respBody, err := c.issue(ctx, method, entity, params, body, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.WithField("entity", entity).Info("Got 401, refreshing access token and retrying")
		token, err = c.cfg.Tokens.Refresh(ctx)
		if err != nil {
			return err
		}
		resp, respBody, err = c.issue(ctx, method, entity, params, body, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return common.Kindf(common.KindTokenRefresh, "%s %s: still unauthorized after token refresh", method, entity)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", entity, err)
		}
	}
	return nil
}

func (c *Client) issue(ctx context.Context, method, entity string, params url.Values, body interface{}, token string) (*http.Response, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("minorversion", c.cfg.MinorVersion)
	endpoint := fmt.Sprintf("%s/v3/company/%s/%s?%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.RealmID, entity, params.Encode())

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s payload: %w", entity, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, common.WithKind(common.KindRemoteNetwork,
			fmt.Errorf("%s %s: %w", method, entity, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, common.WithKind(common.KindRemoteNetwork,
			fmt.Errorf("read %s response: %w", entity, err))
	}
	return resp, respBody, nil
}

// apiError converts a non-2xx body into an APIError, tagged by kind:
// validation faults for 4xx, network for 5xx and throttling.
func (c *Client) apiError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}

	var env faultEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if f := env.fault(); f != nil {
			if errs := f.errors(); len(errs) > 0 {
				apiErr.Code = errs[0].Code
				apiErr.Message = errs[0].Message
				apiErr.Detail = errs[0].Detail
			}
		}
	}
	if apiErr.Message == "" && apiErr.Detail == "" {
		apiErr.Detail = common.Truncate(string(body), 500)
	}

	kind := common.KindRemoteValidation
	if status >= 500 || status == http.StatusTooManyRequests {
		kind = common.KindRemoteNetwork
	}
	return common.WithKind(kind, apiErr)
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
