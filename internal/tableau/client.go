// Package tableau is a small Tableau REST API client covering asset search,
// view data export and workbook metadata.
package tableau

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"analytics-agent/backend/internal/config"
	"analytics-agent/backend/internal/logging"
)

var (
	// ErrNotConfigured is returned when no server or token is configured.
	ErrNotConfigured = errors.New("tableau: server url and personal access token are required")
	// ErrUnauthorized is returned when sign-in is rejected.
	ErrUnauthorized = errors.New("tableau: authentication failed")
)

// Asset types accepted by Search.
const (
	AssetWorkbook   = "workbook"
	AssetView       = "view"
	AssetDatasource = "datasource"
	AssetAll        = "all"
)

const maxPageSize = 100

// Client talks to one Tableau site. Sessions are shared across goroutines
// and renewed on expiry or rejection.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiVersion string
	logger     *logging.Logger

	mu     sync.Mutex
	signer *patSource
	tokens oauth2.TokenSource
}

// NewClient creates a client from configuration. A nil httpClient uses an
// instrumented default.
func NewClient(cfg *config.Config, httpClient *http.Client, logger *logging.Logger) (*Client, error) {
	t := cfg.Tableau
	if t.ServerURL == "" || t.TokenName == "" || t.TokenValue == "" {
		return nil, ErrNotConfigured
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(t.ServerURL, "/"),
		apiVersion: t.APIVersion,
		logger:     logger,
		signer: &patSource{
			ctx:        context.Background(),
			httpClient: httpClient,
			baseURL:    strings.TrimRight(t.ServerURL, "/"),
			apiVersion: t.APIVersion,
			siteID:     t.SiteID,
			tokenName:  t.TokenName,
			tokenValue: t.TokenValue,
		},
	}
	c.tokens = oauth2.ReuseTokenSource(nil, c.signer)
	return c, nil
}

func (c *Client) token() (*oauth2.Token, error) {
	c.mu.Lock()
	src := c.tokens
	c.mu.Unlock()
	return src.Token()
}

// invalidate drops the cached session so the next call signs in again.
func (c *Client) invalidate() {
	c.mu.Lock()
	c.tokens = oauth2.ReuseTokenSource(nil, c.signer)
	c.mu.Unlock()
}

// get performs an authenticated GET against a site-scoped path, retrying
// once with a fresh session on 401.
func (c *Client) get(ctx context.Context, path string, query url.Values, accept string) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.token()
		if err != nil {
			return nil, err
		}
		u := fmt.Sprintf("%s/api/%s/sites/%s/%s", c.baseURL, c.apiVersion, siteIDOf(tok), path)
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Tableau-Auth", tok.AccessToken)
		req.Header.Set("Accept", accept)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("tableau request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read tableau response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			c.logger.Warn("tableau session rejected, signing in again", "path", path)
			c.invalidate()
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("tableau request %s failed: status %d: %s", path, resp.StatusCode, logging.Truncate(strings.TrimSpace(string(body)), 200))
		}
		return body, nil
	}
	return nil, ErrUnauthorized
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.get(ctx, path, query, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode tableau response for %s: %w", path, err)
	}
	return nil
}

func listQuery(filter string, limit int) url.Values {
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(min(limit, maxPageSize)))
	if filter != "" {
		q.Set("filter", "name:has:"+filter)
	}
	return q
}

// Workbooks lists workbooks whose name contains filter.
func (c *Client) Workbooks(ctx context.Context, filter string, limit int) ([]Workbook, error) {
	var out struct {
		Workbooks struct {
			Workbook []workbookJSON `json:"workbook"`
		} `json:"workbooks"`
	}
	if err := c.getJSON(ctx, "workbooks", listQuery(filter, limit), &out); err != nil {
		return nil, err
	}
	items := make([]Workbook, 0, len(out.Workbooks.Workbook))
	for _, w := range out.Workbooks.Workbook {
		items = append(items, w.toWorkbook())
	}
	return items[:min(len(items), limit)], nil
}

// Views lists views whose name contains filter.
func (c *Client) Views(ctx context.Context, filter string, limit int) ([]View, error) {
	var out struct {
		Views struct {
			View []viewJSON `json:"view"`
		} `json:"views"`
	}
	if err := c.getJSON(ctx, "views", listQuery(filter, limit), &out); err != nil {
		return nil, err
	}
	items := make([]View, 0, len(out.Views.View))
	for _, v := range out.Views.View {
		items = append(items, v.toView())
	}
	return items[:min(len(items), limit)], nil
}

// Datasources lists published datasources whose name contains filter.
func (c *Client) Datasources(ctx context.Context, filter string, limit int) ([]Datasource, error) {
	var out struct {
		Datasources struct {
			Datasource []datasourceJSON `json:"datasource"`
		} `json:"datasources"`
	}
	if err := c.getJSON(ctx, "datasources", listQuery(filter, limit), &out); err != nil {
		return nil, err
	}
	items := make([]Datasource, 0, len(out.Datasources.Datasource))
	for _, d := range out.Datasources.Datasource {
		items = append(items, d.toDatasource())
	}
	return items[:min(len(items), limit)], nil
}

// Search queries the requested asset types concurrently.
func (c *Client) Search(ctx context.Context, query, assetType string, limit int) (*SearchResult, error) {
	res := &SearchResult{Workbooks: []Workbook{}, Views: []View{}, Datasources: []Datasource{}}
	g, gctx := errgroup.WithContext(ctx)
	if assetType == AssetWorkbook || assetType == AssetAll {
		g.Go(func() error {
			items, err := c.Workbooks(gctx, query, limit)
			if err == nil {
				res.Workbooks = items
			}
			return err
		})
	}
	if assetType == AssetView || assetType == AssetAll {
		g.Go(func() error {
			items, err := c.Views(gctx, query, limit)
			if err == nil {
				res.Views = items
			}
			return err
		})
	}
	if assetType == AssetDatasource || assetType == AssetAll {
		g.Go(func() error {
			items, err := c.Datasources(gctx, query, limit)
			if err == nil {
				res.Datasources = items
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Info("tableau search finished", "query", query, "asset_type", assetType, "total", res.Total())
	return res, nil
}

// ViewCSV exports a view's data as CSV, keeping the header and at most
// maxRows data lines. Filters are applied as vf_ view filters.
func (c *Client) ViewCSV(ctx context.Context, viewID string, filters map[string]string, maxRows int) (string, error) {
	q := url.Values{}
	if len(filters) > 0 {
		q.Set("maxAge", "1")
		for field, value := range filters {
			q.Set("vf_"+field, value)
		}
	}
	body, err := c.get(ctx, "views/"+url.PathEscape(viewID)+"/data", q, "text/csv")
	if err != nil {
		return "", err
	}
	return limitLines(string(body), maxRows+1), nil
}

func limitLines(s string, n int) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// Workbook fetches a workbook with its views and data connections.
func (c *Client) Workbook(ctx context.Context, workbookID string) (*WorkbookDetail, error) {
	id := url.PathEscape(workbookID)
	var wb struct {
		Workbook struct {
			workbookJSON
			Views struct {
				View []viewJSON `json:"view"`
			} `json:"views"`
		} `json:"workbook"`
	}
	if err := c.getJSON(ctx, "workbooks/"+id, nil, &wb); err != nil {
		return nil, err
	}
	var conns struct {
		Connections struct {
			Connection []connectionJSON `json:"connection"`
		} `json:"connections"`
	}
	if err := c.getJSON(ctx, "workbooks/"+id+"/connections", nil, &conns); err != nil {
		return nil, err
	}

	detail := &WorkbookDetail{
		Workbook:    wb.Workbook.toWorkbook(),
		Views:       make([]ViewRef, 0, len(wb.Workbook.Views.View)),
		Connections: make([]Connection, 0, len(conns.Connections.Connection)),
	}
	for _, v := range wb.Workbook.Views.View {
		detail.Views = append(detail.Views, ViewRef{ID: v.ID, Name: v.Name})
	}
	for _, cn := range conns.Connections.Connection {
		detail.Connections = append(detail.Connections, cn.toConnection())
	}
	return detail, nil
}
