// Package auth implements the Microsoft account login chain (MSA, Xbox
// Live, XSTS, game service), the profile lookup and the session service
// calls used during the encryption handshake.
//
// Each chain step depends on the previous response. A failing step aborts
// the chain with a *StepError naming it; nothing is retried automatically.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/httpx"
	"github.com/MEMOxiiii/odonata-bridge/internal/metrics"
)

// Step names a call of the login chain or the session service.
type Step string

const (
	StepMSA         Step = "msa"
	StepXboxLive    Step = "xbox_live"
	StepXSTS        Step = "xsts"
	StepGameService Step = "game_service"
	StepProfile     Step = "profile"
	StepJoin        Step = "join"
	StepHasJoined   Step = "has_joined"
)

// StepError is returned when a call fails.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("auth: %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step err failed at, if it is a *StepError.
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return "", false
}

// Endpoints are the identity-service URLs. Tests point them at httptest
// servers.
type Endpoints struct {
	MSAToken  string
	XboxLive  string
	XSTS      string
	GameLogin string
	Profile   string
	Join      string
	HasJoined string
}

// DefaultEndpoints are the production URLs.
var DefaultEndpoints = Endpoints{
	MSAToken:  "https://login.live.com/oauth20_token.srf",
	XboxLive:  "https://user.auth.xboxlive.com/user/authenticate",
	XSTS:      "https://xsts.auth.xboxlive.com/xsts/authorize",
	GameLogin: "https://api.minecraftservices.com/authentication/login_with_xbox",
	Profile:   "https://api.minecraftservices.com/minecraft/profile",
	Join:      "https://sessionserver.mojang.com/session/minecraft/join",
	HasJoined: "https://sessionserver.mojang.com/session/minecraft/hasJoined",
}

const (
	clientID    = "00000000402b5328"
	msaScope    = "service::user.auth.xboxlive.com::MBI_SSL"
	redirectURI = "https://login.live.com/oauth20_desktop.srf"

	xblRelyingParty  = "http://auth.xboxlive.com"
	xstsRelyingParty = "rp://api.minecraftservices.com/"
)

// Grant selects how the MSA step authenticates.
type Grant string

const (
	GrantAuthorizationCode Grant = "authorization_code"
	GrantRefreshToken      Grant = "refresh_token"
)

// field returns the form field carrying the grant's token.
func (g Grant) field() (string, error) {
	switch g {
	case GrantAuthorizationCode:
		return "code", nil
	case GrantRefreshToken:
		return "refresh_token", nil
	}
	return "", fmt.Errorf("unknown grant type %q", g)
}

// Authenticator runs the login chain and session service calls.
type Authenticator struct {
	client    *httpx.Client
	endpoints Endpoints
	now       func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithEndpoints overrides the service URLs.
func WithEndpoints(ep Endpoints) Option { return func(a *Authenticator) { a.endpoints = ep } }

// WithClock overrides the clock used to compute credential expiry.
func WithClock(now func() time.Time) Option { return func(a *Authenticator) { a.now = now } }

// New returns an Authenticator sending requests through client.
func New(client *httpx.Client, opts ...Option) *Authenticator {
	a := &Authenticator{client: client, endpoints: DefaultEndpoints, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Login runs the full chain, exchanging token (an authorization code or a
// refresh token, per grant) for a game-service credential.
func (a *Authenticator) Login(ctx context.Context, grant Grant, token string) (*Credential, error) {
	msa, err := a.msaStep(ctx, grant, token)
	if err != nil {
		return nil, err
	}
	xbl, err := a.xboxLiveStep(ctx, msa.AccessToken)
	if err != nil {
		return nil, err
	}
	xsts, err := a.xstsStep(ctx, xbl.Token)
	if err != nil {
		return nil, err
	}

	// Expiry counts from before the request so it never overestimates.
	start := a.now()
	game, err := a.gameServiceStep(ctx, xbl.userHash, xsts.Token)
	if err != nil {
		return nil, err
	}
	return &Credential{
		AccessToken:  game.AccessToken,
		ExpiresAt:    start.Add(time.Duration(game.ExpiresIn) * time.Second),
		RefreshToken: msa.RefreshToken,
	}, nil
}

// Refresh runs the chain again with the credential's refresh token and
// returns a new credential. c is not modified.
func (a *Authenticator) Refresh(ctx context.Context, c *Credential) (*Credential, error) {
	if c == nil || c.RefreshToken == "" {
		return nil, &StepError{Step: StepMSA, Err: errors.New("credential has no refresh token")}
	}
	return a.Login(ctx, GrantRefreshToken, c.RefreshToken)
}

// ─── Chain steps ──────────────────────────────────────────────────────────────

type msaResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (a *Authenticator) msaStep(ctx context.Context, grant Grant, token string) (msaResponse, error) {
	field, err := grant.field()
	if err != nil {
		return msaResponse{}, &StepError{Step: StepMSA, Err: err}
	}
	form := url.Values{
		"client_id":    {clientID},
		"grant_type":   {string(grant)},
		"scope":        {msaScope},
		"redirect_uri": {redirectURI},
		field:          {token},
	}
	resp, err := call[msaResponse](StepMSA, "get the MSA access token", a.client.PostForm(ctx, a.endpoints.MSAToken, form))
	if err == nil && resp.AccessToken == "" {
		err = &StepError{Step: StepMSA, Err: errors.New("response has no access_token")}
	}
	return resp, err
}

type xboxProperties struct {
	AuthMethod string   `json:"AuthMethod,omitempty"`
	SiteName   string   `json:"SiteName,omitempty"`
	RpsTicket  string   `json:"RpsTicket,omitempty"`
	SandboxID  string   `json:"SandboxId,omitempty"`
	UserTokens []string `json:"UserTokens,omitempty"`
}

type xboxRequest struct {
	Properties   xboxProperties `json:"Properties"`
	RelyingParty string         `json:"RelyingParty"`
	TokenType    string         `json:"TokenType"`
}

type xboxResponse struct {
	Token         string `json:"Token"`
	DisplayClaims struct {
		Xui []struct {
			Uhs string `json:"uhs"`
		} `json:"xui"`
	} `json:"DisplayClaims"`

	userHash string
}

func (a *Authenticator) xboxLiveStep(ctx context.Context, msaToken string) (xboxResponse, error) {
	body := xboxRequest{
		Properties: xboxProperties{
			AuthMethod: "RPS",
			SiteName:   "user.auth.xboxlive.com",
			RpsTicket:  msaToken,
		},
		RelyingParty: xblRelyingParty,
		TokenType:    "JWT",
	}
	resp, err := call[xboxResponse](StepXboxLive, "get the Xbox Live token", a.client.PostJSON(ctx, a.endpoints.XboxLive, body))
	if err != nil {
		return resp, err
	}
	if len(resp.DisplayClaims.Xui) == 0 || resp.DisplayClaims.Xui[0].Uhs == "" {
		return resp, &StepError{Step: StepXboxLive, Err: errors.New("response has no user hash")}
	}
	resp.userHash = resp.DisplayClaims.Xui[0].Uhs
	return resp, nil
}

func (a *Authenticator) xstsStep(ctx context.Context, xblToken string) (xboxResponse, error) {
	body := xboxRequest{
		Properties: xboxProperties{
			SandboxID:  "RETAIL",
			UserTokens: []string{xblToken},
		},
		RelyingParty: xstsRelyingParty,
		TokenType:    "JWT",
	}
	resp, err := call[xboxResponse](StepXSTS, "get the XSTS token", a.client.PostJSON(ctx, a.endpoints.XSTS, body))
	if err == nil && resp.Token == "" {
		err = &StepError{Step: StepXSTS, Err: errors.New("response has no Token")}
	}
	return resp, err
}

type gameLoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *Authenticator) gameServiceStep(ctx context.Context, userHash, xstsToken string) (gameLoginResponse, error) {
	body := map[string]string{
		"identityToken": "XBL3.0 x=" + userHash + ";" + xstsToken,
	}
	resp, err := call[gameLoginResponse](StepGameService, "get the game access token", a.client.PostJSON(ctx, a.endpoints.GameLogin, body))
	if err == nil && resp.AccessToken == "" {
		err = &StepError{Step: StepGameService, Err: errors.New("response has no access_token")}
	}
	return resp, err
}

// call decodes a successful outcome into T and turns every failure into a
// *StepError for step.
func call[T any](step Step, what string, res httpx.Result) (T, error) {
	var zero T
	switch r := res.(type) {
	case httpx.Success:
		v, err := httpx.Decode[T](r)
		if err != nil {
			record(step, "bad_response")
			return zero, &StepError{Step: step, Err: err}
		}
		record(step, "ok")
		return v, nil
	case httpx.UpstreamError:
		record(step, "upstream_error")
		return zero, &StepError{Step: step, Err: r.Describe("failed to " + what)}
	case httpx.TransportFailure:
		record(step, "transport_failure")
		return zero, &StepError{Step: step, Err: r.Describe("failed to " + what)}
	default:
		return zero, &StepError{Step: step, Err: fmt.Errorf("unexpected outcome %T", res)}
	}
}

func record(step Step, outcome string) {
	metrics.AuthRequests.WithLabelValues(string(step), outcome).Inc()
}
