package tableau

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics-agent/backend/internal/config"
)

type fakeServer struct {
	signIns   atomic.Int32
	rejectNxt atomic.Bool
	lastQuery atomic.Value
	denySign  bool
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.21/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		if f.denySign {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body signInRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pat", body.Credentials.Name)
		assert.Equal(t, "sales", body.Credentials.Site.ContentURL)
		n := f.signIns.Add(1)
		_, _ = io.WriteString(w, `{"credentials":{"token":"tok-`+string(rune('0'+n))+`","site":{"id":"site-1"},"estimatedTimeToExpiration":"0:04:00:00"}}`)
	})
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Tableau-Auth") == "" || f.rejectNxt.CompareAndSwap(true, false) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			f.lastQuery.Store(r.URL.RawQuery)
			next(w, r)
		}
	}
	mux.HandleFunc("GET /api/3.21/sites/site-1/workbooks", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"workbooks":{"workbook":[
			{"id":"wb-1","name":"Sales Overview","contentUrl":"SalesOverview","project":{"name":"Finance"},"owner":{"id":"u1"}},
			{"id":"wb-2","name":"Sales Detail","project":{"name":"Finance"}}
		]}}`)
	}))
	mux.HandleFunc("GET /api/3.21/sites/site-1/views", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"views":{"view":[{"id":"v-1","name":"Sales by Region","workbook":{"id":"wb-1"}}]}}`)
	}))
	mux.HandleFunc("GET /api/3.21/sites/site-1/datasources", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"datasources":{"datasource":[{"id":"ds-1","name":"Sales","type":"postgres","hasExtracts":true}]}}`)
	}))
	mux.HandleFunc("GET /api/3.21/sites/site-1/views/v-1/data", auth(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "Region,Sales\nEast,100\nWest,250\nNorth,75\nSouth,30\n")
	}))
	mux.HandleFunc("GET /api/3.21/sites/site-1/workbooks/wb-1", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"workbook":{"id":"wb-1","name":"Sales Overview","project":{"name":"Finance"},
			"views":{"view":[{"id":"v-1","name":"Sales by Region"},{"id":"v-2","name":"Trend"}]}}}`)
	}))
	mux.HandleFunc("GET /api/3.21/sites/site-1/workbooks/wb-1/connections", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"connections":{"connection":[{"id":"c-1","type":"postgres","serverAddress":"db.local","serverPort":"5432","userName":"ro"}]}}`)
	}))
	return mux
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Tableau.ServerURL = srv.URL + "/"
	cfg.Tableau.SiteID = "sales"
	cfg.Tableau.TokenName = "pat"
	cfg.Tableau.TokenValue = "secret"
	cfg.Tableau.APIVersion = "3.21"

	c, err := NewClient(cfg, srv.Client(), nil)
	require.NoError(t, err)
	return c
}

func TestNewClient_NotConfigured(t *testing.T) {
	_, err := NewClient(&config.Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSearch_AllTypesReusesSession(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	res, err := c.Search(context.Background(), "Sales", AssetAll, 10)

	require.NoError(t, err)
	assert.Len(t, res.Workbooks, 2)
	assert.Equal(t, "Finance", res.Workbooks[0].ProjectName)
	assert.Equal(t, "wb-1", res.Views[0].WorkbookID)
	assert.True(t, res.Datasources[0].HasExtracts)
	assert.Equal(t, 4, res.Total())
	assert.Equal(t, int32(1), f.signIns.Load())
}

func TestSearch_SingleTypeAndLimit(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	res, err := c.Search(context.Background(), "Sales", AssetWorkbook, 1)

	require.NoError(t, err)
	assert.Len(t, res.Workbooks, 1)
	assert.Empty(t, res.Views)
	assert.Empty(t, res.Datasources)
	assert.Contains(t, f.lastQuery.Load(), "pageSize=1")
	assert.Contains(t, f.lastQuery.Load(), "filter=name%3Ahas%3ASales")
}

func TestViewCSV_LimitsRowsAndAppliesFilters(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	csv, err := c.ViewCSV(context.Background(), "v-1", map[string]string{"Region": "East"}, 2)

	require.NoError(t, err)
	assert.Equal(t, "Region,Sales\nEast,100\nWest,250", csv)
	assert.Contains(t, f.lastQuery.Load(), "vf_Region=East")
}

func TestWorkbook_Detail(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	wb, err := c.Workbook(context.Background(), "wb-1")

	require.NoError(t, err)
	assert.Equal(t, "Sales Overview", wb.Name)
	assert.Equal(t, "Finance", wb.ProjectName)
	require.Len(t, wb.Views, 2)
	assert.Equal(t, "Trend", wb.Views[1].Name)
	require.Len(t, wb.Connections, 1)
	assert.Equal(t, "db.local", wb.Connections[0].ServerAddress)
}

func TestGet_RetriesOnceAfterRejectedSession(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	_, err := c.Views(context.Background(), "", 5)
	require.NoError(t, err)

	f.rejectNxt.Store(true)
	views, err := c.Views(context.Background(), "", 5)

	require.NoError(t, err)
	assert.Len(t, views, 1)
	assert.Equal(t, int32(2), f.signIns.Load())
}

func TestSignIn_Unauthorized(t *testing.T) {
	f := &fakeServer{denySign: true}
	c := newTestClient(t, f)

	_, err := c.Workbooks(context.Background(), "x", 5)

	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessionTTL(t *testing.T) {
	assert.Equal(t, 4*time.Hour, sessionTTL("0:04:00:00"))
	assert.Equal(t, 24*time.Hour+90*time.Second, sessionTTL("1:00:01:30"))
	assert.Equal(t, defaultSessionTTL, sessionTTL("garbage"))
	assert.Equal(t, defaultSessionTTL, sessionTTL(""))
}

func TestLimitLines(t *testing.T) {
	assert.Equal(t, "", limitLines("", 3))
	assert.Equal(t, "a\nb", limitLines("a\nb\nc", 2))
	assert.True(t, strings.HasPrefix(limitLines("h\n1\n", 5), "h\n1"))
}
