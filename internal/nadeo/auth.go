// internal/nadeo/auth.go
package nadeo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/config"
	"github.com/XertroV/cgf-server/internal/consts"
)

// Nadeo audiences. Core covers map metadata, Live covers club rooms.
const (
	AudienceNadeoServices     = "NadeoServices"
	AudienceNadeoLiveServices = "NadeoLiveServices"
)

const (
	defaultUbiSessionsURL = "https://public-ubiservices.ubi.com/v3/profiles/sessions"
	defaultCoreURL        = "https://prod.trackmania.core.nadeo.online"
	defaultLiveURL        = "https://live-services.trackmania.nadeo.live"

	// Ubi-AppId for the Trackmania client; required on the sessions endpoint.
	ubiAppID = "86263886-327a-4328-ac69-527f0d20a237"

	audienceRegPath = "/v2/authentication/token/ubiservices"

	// Tokens are refreshed once the rat claim is this many seconds stale.
	refreshGraceSecs = 10
	refreshCheckTick = 60 * time.Second
)

type ubiAuthResp struct {
	Ticket string `json:"ticket"`
}

// Token is one audience's access/refresh pair.
type Token struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// refreshAt reads the rat claim from the access token. The token comes from
// Nadeo over TLS, so it is decoded without signature verification.
func (t *Token) refreshAt() (float64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err != nil {
		return 0, fmt.Errorf("parsing nadeo access token: %w", err)
	}
	rat, ok := claims["rat"].(float64)
	if !ok {
		return 0, fmt.Errorf("nadeo access token missing rat claim")
	}
	return rat, nil
}

// Session authenticates against Ubisoft and holds per-audience Nadeo
// tokens, reacquiring them before they go stale.
type Session struct {
	UbiSessionsURL string
	CoreURL        string
	LiveURL        string
	HTTP           *http.Client

	creds config.UbiCreds
	ua    string
	log   *logrus.Logger

	mu        sync.Mutex
	coreToken *Token
	liveToken *Token
}

// NewSession builds an unauthenticated session from .ubisoft-acct creds.
func NewSession(creds config.UbiCreds, log *logrus.Logger) *Session {
	return &Session{
		UbiSessionsURL: defaultUbiSessionsURL,
		CoreURL:        defaultCoreURL,
		LiveURL:        defaultLiveURL,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
		creds:          creds,
		ua:             fmt.Sprintf("CommunityGameFramework / contact=@XertroV,cgf@xk.io / server-version=%s", consts.Version),
		log:            log,
	}
}

func (s *Session) ubiTicket(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.UbiSessionsURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("building ubi session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ubi-AppId", ubiAppID)
	req.Header.Set("User-Agent", s.ua)
	req.SetBasicAuth(s.creds.Email, s.creds.Password)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("starting ubi session: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ubi session returned %d: %s", resp.StatusCode, body)
	}

	var ubi ubiAuthResp
	if err := json.Unmarshal(body, &ubi); err != nil {
		return "", fmt.Errorf("decoding ubi session response: %w", err)
	}
	if ubi.Ticket == "" {
		return "", fmt.Errorf("ubi session response missing ticket")
	}
	return ubi.Ticket, nil
}

func (s *Session) tokenForAudience(ctx context.Context, ticket, audience string) (*Token, error) {
	body, _ := json.Marshal(map[string]string{"audience": audience})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.CoreURL+audienceRegPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building audience token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "ubi_v1 t="+ticket)
	req.Header.Set("User-Agent", s.ua)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getting token for audience %s: %w", audience, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audience %s token request returned %d: %s", audience, resp.StatusCode, respBody)
	}

	var tok Token
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("decoding token for audience %s: %w", audience, err)
	}
	return &tok, nil
}

// Login acquires fresh tokens for both audiences.
func (s *Session) Login(ctx context.Context) error {
	ticket, err := s.ubiTicket(ctx)
	if err != nil {
		return err
	}
	s.log.Info("got ubi session")

	core, err := s.tokenForAudience(ctx, ticket, AudienceNadeoServices)
	if err != nil {
		return err
	}
	live, err := s.tokenForAudience(ctx, ticket, AudienceNadeoLiveServices)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.coreToken = core
	s.liveToken = live
	s.mu.Unlock()
	s.log.Info("got nadeo core and live tokens")
	return nil
}

// Ready reports whether both audience tokens are held.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coreToken != nil && s.liveToken != nil
}

// AwaitReady blocks until Login has succeeded at least once.
func (s *Session) AwaitReady(ctx context.Context) error {
	for !s.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// AccessToken returns the current token for an audience.
func (s *Session) AccessToken(audience string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch audience {
	case AudienceNadeoServices:
		if s.coreToken != nil {
			return s.coreToken.AccessToken, nil
		}
	case AudienceNadeoLiveServices:
		if s.liveToken != nil {
			return s.liveToken.AccessToken, nil
		}
	}
	return "", fmt.Errorf("cannot get token for audience: %s", audience)
}

func (s *Session) needsRefresh() bool {
	s.mu.Lock()
	toks := []*Token{s.coreToken, s.liveToken}
	s.mu.Unlock()

	now := float64(time.Now().Unix())
	for _, t := range toks {
		if t == nil {
			continue
		}
		rat, err := t.refreshAt()
		if err != nil {
			s.log.Warnf("nadeo token rat unreadable: %v", err)
			return true
		}
		if now > rat+refreshGraceSecs {
			return true
		}
	}
	return false
}

// StartAuthLoop logs in (retrying until it works) and then keeps the tokens
// fresh. Runs until ctx is canceled.
func (s *Session) StartAuthLoop(ctx context.Context) {
	go func() {
		for {
			err := s.Login(ctx)
			if err == nil {
				break
			}
			s.log.Errorf("nadeo auth failed, retrying in 30s: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(refreshCheckTick):
				if s.needsRefresh() {
					if err := s.Login(ctx); err != nil {
						s.log.Errorf("nadeo token reacquire failed: %v", err)
					}
				}
			}
		}
	}()
}
