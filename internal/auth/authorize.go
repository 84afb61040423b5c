package auth

import (
	"errors"
	"net/url"
	"strings"
)

const authorizeEndpoint = "https://login.live.com/oauth20_authorize.srf"

// AuthorizeURL is the page where a user signs in to obtain an
// authorization code for Login.
func AuthorizeURL() string {
	q := url.Values{
		"client_id":     {clientID},
		"response_type": {"code"},
		"scope":         {msaScope},
		"redirect_uri":  {redirectURI},
	}
	return authorizeEndpoint + "?" + q.Encode()
}

// ParseAuthCode accepts either a bare authorization code or the full URL
// the browser was redirected to, and returns the code.
func ParseAuthCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("auth: empty authorization code")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if msg := q.Get("error"); msg != "" {
		return "", errors.New("auth: sign-in failed: " + msg + ": " + q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("auth: redirect URL has no code parameter")
	}
	return code, nil
}
