package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultSessionTTL = 4 * time.Hour
	siteIDExtra       = "site_id"
)

// patSource signs in with a personal access token. Each call to Token is a
// fresh sign-in; callers wrap it in oauth2.ReuseTokenSource.
type patSource struct {
	ctx        context.Context
	httpClient *http.Client
	baseURL    string
	apiVersion string
	siteID     string
	tokenName  string
	tokenValue string
}

type signInRequest struct {
	Credentials struct {
		Name   string `json:"personalAccessTokenName"`
		Secret string `json:"personalAccessTokenSecret"`
		Site   struct {
			ContentURL string `json:"contentUrl"`
		} `json:"site"`
	} `json:"credentials"`
}

type signInResponse struct {
	Credentials struct {
		Token string `json:"token"`
		Site  struct {
			ID string `json:"id"`
		} `json:"site"`
		EstimatedTimeToExpiration string `json:"estimatedTimeToExpiration"`
	} `json:"credentials"`
}

func (s *patSource) Token() (*oauth2.Token, error) {
	var body signInRequest
	body.Credentials.Name = s.tokenName
	body.Credentials.Secret = s.tokenValue
	body.Credentials.Site.ContentURL = s.siteID
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/%s/auth/signin", s.baseURL, s.apiVersion)
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tableau sign-in failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tableau sign-in failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode sign-in response: %w", err)
	}
	if out.Credentials.Token == "" {
		return nil, fmt.Errorf("tableau sign-in returned no token")
	}

	tok := &oauth2.Token{
		AccessToken: out.Credentials.Token,
		Expiry:      time.Now().Add(sessionTTL(out.Credentials.EstimatedTimeToExpiration)),
	}
	return tok.WithExtra(map[string]any{siteIDExtra: out.Credentials.Site.ID}), nil
}

// sessionTTL parses Tableau's "days:hours:minutes:seconds" expiration.
func sessionTTL(s string) time.Duration {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return defaultSessionTTL
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return defaultSessionTTL
		}
		d += time.Duration(n) * units[i]
	}
	if d <= 0 {
		return defaultSessionTTL
	}
	return d
}

func siteIDOf(tok *oauth2.Token) string {
	id, _ := tok.Extra(siteIDExtra).(string)
	return id
}
