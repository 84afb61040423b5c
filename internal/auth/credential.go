package auth

import (
	"time"

	"github.com/goccy/go-json"
)

// KindMSA tags credentials produced by the Microsoft account chain in the
// accounts file.
const KindMSA = "msa"

// Credential is the result of a login chain run. It is replaced wholesale
// on refresh and never modified in place.
type Credential struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

// Expired reports whether the access token is no longer valid at now.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// credentialJSON is the persisted form; the expiry is epoch milliseconds.
type credentialJSON struct {
	AccessToken    string `json:"accessToken"`
	ExpirationTime int64  `json:"expirationTime"`
	RefreshToken   string `json:"msaRefreshToken"`
}

func (c *Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(credentialJSON{
		AccessToken:    c.AccessToken,
		ExpirationTime: c.ExpiresAt.UnixMilli(),
		RefreshToken:   c.RefreshToken,
	})
}

func (c *Credential) UnmarshalJSON(b []byte) error {
	var v credentialJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Credential{
		AccessToken:  v.AccessToken,
		ExpiresAt:    time.UnixMilli(v.ExpirationTime),
		RefreshToken: v.RefreshToken,
	}
	return nil
}
