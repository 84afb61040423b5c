package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MEMOxiiii/odonata-bridge/internal/httpx"
	"github.com/google/uuid"
)

// Profile is the game profile owned by an access token.
type Profile struct {
	Name string
	ID   uuid.UUID
}

type profileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Profile looks up the profile owned by c.
func (a *Authenticator) Profile(ctx context.Context, c *Credential) (Profile, error) {
	resp, err := call[profileResponse](StepProfile, "query the player profile", a.client.Get(ctx, a.endpoints.Profile, c.AccessToken))
	if err != nil {
		return Profile{}, err
	}
	id, err := uuid.Parse(resp.ID)
	if err != nil {
		return Profile{}, &StepError{Step: StepProfile, Err: fmt.Errorf("bad profile id %q: %w", resp.ID, err)}
	}
	if resp.Name == "" {
		return Profile{}, &StepError{Step: StepProfile, Err: errors.New("profile has no name")}
	}
	return Profile{Name: resp.Name, ID: id}, nil
}

// JoinServer tells the session service that the owner of c is joining the
// server identified by serverHash.
func (a *Authenticator) JoinServer(ctx context.Context, c *Credential, profile uuid.UUID, serverHash string) error {
	if c == nil {
		return &StepError{Step: StepJoin, Err: errors.New("profile has no credential")}
	}
	body := map[string]string{
		"accessToken":     c.AccessToken,
		"selectedProfile": profile.String(),
		"serverId":        serverHash,
	}
	switch r := a.client.PostJSON(ctx, a.endpoints.Join, body).(type) {
	case httpx.Success:
		record(StepJoin, "ok")
		return nil
	case httpx.UpstreamError:
		record(StepJoin, "upstream_error")
		return &StepError{Step: StepJoin, Err: r.Describe("failed to join the server as " + profile.String())}
	case httpx.TransportFailure:
		record(StepJoin, "transport_failure")
		return &StepError{Step: StepJoin, Err: r.Describe("failed to join the server as " + profile.String())}
	default:
		return &StepError{Step: StepJoin, Err: fmt.Errorf("unexpected outcome %T", r)}
	}
}

// HasJoinedServer asks the session service whether username announced a
// join for serverHash. clientIP is optional. Only HTTP 200 counts as
// verified; failures return false together with the error.
func (a *Authenticator) HasJoinedServer(ctx context.Context, username, serverHash, clientIP string) (bool, error) {
	q := url.Values{
		"username": {username},
		"serverId": {serverHash},
	}
	if clientIP != "" {
		q.Set("ip", clientIP)
	}
	target := a.endpoints.HasJoined + "?" + q.Encode()

	switch r := a.client.Get(ctx, target, "").(type) {
	case httpx.Success:
		ok := r.Status == http.StatusOK
		if ok {
			record(StepHasJoined, "ok")
		} else {
			record(StepHasJoined, "not_joined")
		}
		return ok, nil
	case httpx.UpstreamError:
		record(StepHasJoined, "upstream_error")
		return false, &StepError{Step: StepHasJoined, Err: r.Describe("failed to verify the session of " + username)}
	case httpx.TransportFailure:
		record(StepHasJoined, "transport_failure")
		return false, &StepError{Step: StepHasJoined, Err: r.Describe("failed to verify the session of " + username)}
	default:
		return false, &StepError{Step: StepHasJoined, Err: fmt.Errorf("unexpected outcome %T", r)}
	}
}
