package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics-agent/backend/internal/config"
	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/sandbox"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "ask", "exec", "migrate"})
	assert.NotNil(t, root.PersistentFlags().Lookup("env"))
}

func runExec(t *testing.T, stdin string, args ...string) (sandbox.Result, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"exec"}, args...))

	err := root.ExecuteContext(context.Background())

	var result sandbox.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result), out.String())
	return result, err
}

func TestExecCmd_Stdin(t *testing.T) {
	result, err := runExec(t, "print(6 * 7)\n")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "42\n", result.Stdout)
}

func TestExecCmd_FileWithCSV(t *testing.T) {
	dir := t.TempDir()
	code := filepath.Join(dir, "sum.star")
	data := filepath.Join(dir, "sales.csv")
	require.NoError(t, os.WriteFile(code, []byte(`t = table.read_csv(inputs["csv_data"])
print(t.column("sales").sum())
`), 0o644))
	require.NoError(t, os.WriteFile(data, []byte("region,sales\nEast,100\nWest,200\n"), 0o644))

	result, err := runExec(t, "", "--csv", data, code)
	require.NoError(t, err)
	assert.True(t, result.Success, result.Error)
	assert.Equal(t, "300\n", result.Stdout)
}

func TestExecCmd_FailureIsReported(t *testing.T) {
	result, err := runExec(t, "load(\"os\", \"os\")\n")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, sandbox.ErrImportDenied, result.ErrorType)
}

func devConfig(env string) *config.Config {
	cfg := &config.Config{Environment: env}
	cfg.CORS.Origins = []string{"http://localhost:3000"}
	return cfg
}

func TestNewEcho_CORSExposesRunID(t *testing.T) {
	e := newEcho(devConfig(config.EnvDevelopment), logging.Nop())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Run-ID")
}

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := devConfig(config.EnvDevelopment)
	cfg.TLS.Enable = true
	cfg.TLS.CertFile = filepath.Join(dir, "cert.pem")
	cfg.TLS.KeyFile = filepath.Join(dir, "key.pem")

	require.NoError(t, ensureCertificate(cfg, logging.Nop()))
	assert.FileExists(t, cfg.TLS.CertFile)
	assert.FileExists(t, cfg.TLS.KeyFile)

	before, err := os.ReadFile(cfg.TLS.CertFile)
	require.NoError(t, err)
	require.NoError(t, ensureCertificate(cfg, logging.Nop()))
	after, err := os.ReadFile(cfg.TLS.CertFile)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	prod := devConfig(config.EnvProduction)
	prod.TLS.CertFile = filepath.Join(dir, "missing.pem")
	prod.TLS.KeyFile = filepath.Join(dir, "missing-key.pem")
	assert.Error(t, ensureCertificate(prod, logging.Nop()))
}
