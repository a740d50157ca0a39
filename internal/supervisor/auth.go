package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/local/clank/internal/config"
	"github.com/local/clank/internal/store"
)

// ErrNoAuthMaterial is returned when Store holds no AuthMaterial row at
// all. The OAuth handshake that produces the first one is explicitly
// out of scope (spec.md §1); an operator runs it out of band and the
// Supervisor only ever loads, validates and refreshes what Store holds.
var ErrNoAuthMaterial = errors.New("supervisor: no auth material in store, complete initial chat authorization before starting clank")

// refreshResponse mirrors Twitch's OAuth2 token-refresh response shape.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// tokenRefresher refreshes an expired access token given a refresh
// token. A small interface so tests can substitute a fake without
// reaching the network.
type tokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error)
}

// restyRefresher hits Twitch's token endpoint directly, reusing the
// resty client already depended on for the Generator Client
// (SPEC_FULL.md §4.C) rather than reaching for a net/http rewrite.
type restyRefresher struct {
	http         *resty.Client
	clientID     string
	clientSecret string
}

func newRestyRefresher(cfg config.ChatConfig) *restyRefresher {
	return &restyRefresher{
		http:         resty.New().SetBaseURL("https://id.twitch.tv").SetTimeout(15 * time.Second),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

func (r *restyRefresher) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
	var out refreshResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     r.clientID,
			"client_secret": r.clientSecret,
		}).
		SetResult(&out).
		Post("/oauth2/token")
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("supervisor: refresh token request: %w", err)
	}
	if resp.IsError() {
		return "", "", time.Time{}, fmt.Errorf("supervisor: refresh token request: status %d", resp.StatusCode())
	}
	if out.AccessToken == "" {
		return "", "", time.Time{}, errors.New("supervisor: refresh token response carried no access_token")
	}
	return out.AccessToken, out.RefreshToken, time.Now().Add(time.Duration(out.ExpiresIn) * time.Second), nil
}

// loadAuth implements spec.md §4.G step 3: load AuthMaterial, refresh
// once if expired, exit non-zero (by returning an error the caller
// treats as startup_fatal) on any failure. It returns the bot's
// username and a usable "oauth:"-prefixed access token for the chat
// adapter.
func (s *Supervisor) loadAuth(ctx context.Context) (botUsername, oauthToken string, err error) {
	auth, ok, err := s.st.GetAuth(ctx)
	if err != nil {
		return "", "", fmt.Errorf("supervisor: load auth material: %w", err)
	}
	if !ok {
		return "", "", ErrNoAuthMaterial
	}

	accessPlain, err := s.sealer.Open(auth.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("supervisor: decrypt access token: %w", err)
	}

	if time.Now().Before(auth.ExpiresAt) {
		return auth.BotUsername, "oauth:" + string(accessPlain), nil
	}

	refreshPlain, err := s.sealer.Open(auth.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("supervisor: decrypt refresh token: %w", err)
	}

	newAccess, newRefresh, expiresAt, err := s.refresher.Refresh(ctx, string(refreshPlain))
	if err != nil {
		return "", "", fmt.Errorf("supervisor: refresh expired auth material: %w", err)
	}

	sealedAccess, err := s.sealer.Seal([]byte(newAccess))
	if err != nil {
		return "", "", fmt.Errorf("supervisor: seal refreshed access token: %w", err)
	}
	sealedRefresh, err := s.sealer.Seal([]byte(newRefresh))
	if err != nil {
		return "", "", fmt.Errorf("supervisor: seal refreshed refresh token: %w", err)
	}

	refreshed := store.AuthMaterial{
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		ExpiresAt:    expiresAt,
		BotUsername:  auth.BotUsername,
	}
	if err := s.st.PutAuth(ctx, refreshed); err != nil {
		return "", "", fmt.Errorf("supervisor: persist refreshed auth material: %w", err)
	}

	return auth.BotUsername, "oauth:" + newAccess, nil
}
