// internal/auth/openplanet.go
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/config"
)

// OpenplanetIdentity is what Openplanet tells us about a validated token.
type OpenplanetIdentity struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	TokenTime   int64  `json:"token_time"`
	Error       string `json:"error"`
}

// OpenplanetVerifier validates plugin auth tokens against the Openplanet
// backend using this server's plugin secret.
type OpenplanetVerifier struct {
	URL    string
	Secret string
	HTTP   *http.Client

	log *logrus.Logger
}

// NewOpenplanetVerifier builds a verifier from .openplanet-auth creds.
func NewOpenplanetVerifier(creds config.OpenplanetCreds, log *logrus.Logger) *OpenplanetVerifier {
	return &OpenplanetVerifier{
		URL:    creds.URL,
		Secret: creds.Secret,
		HTTP:   &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

// Verify exchanges a client's token for their identity. A rejection from
// Openplanet comes back as an error carrying the upstream reason.
func (v *OpenplanetVerifier) Verify(ctx context.Context, token string) (*OpenplanetIdentity, error) {
	form := url.Values{
		"token":  {token},
		"secret": {v.Secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building openplanet auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting openplanet auth: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading openplanet auth response: %w", err)
	}

	var ident OpenplanetIdentity
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, fmt.Errorf("decoding openplanet auth response: %w", err)
	}
	if ident.Error != "" {
		return nil, fmt.Errorf("openplanet auth rejected: %s", ident.Error)
	}
	if ident.AccountID == "" {
		return nil, fmt.Errorf("openplanet auth response missing account_id")
	}
	return &ident, nil
}
