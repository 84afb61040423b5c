package main

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/account"
	"github.com/MEMOxiiii/odonata-bridge/internal/auth"
	"github.com/google/uuid"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{initFailure(errors.New("bad config")), exitInit},
		{runtimeFailure(errors.New("accept failed")), exitRuntime},
		{fmt.Errorf("wrapped: %w", initFailure(errors.New("x"))), exitInit},
	}
	for _, tc := range cases {
		var ee *exitError
		if !errors.As(tc.err, &ee) || ee.code != tc.want {
			t.Errorf("%v: code = %v, want %d", tc.err, ee, tc.want)
		}
	}
}

func TestAccountsPath(t *testing.T) {
	if got, _ := accountsPath(&rootFlags{}); got != "accounts.json" {
		t.Errorf("default = %q", got)
	}
	if got, _ := accountsPath(&rootFlags{accountsFile: "other.json"}); got != "other.json" {
		t.Errorf("flag = %q", got)
	}
	if _, err := accountsPath(&rootFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestPrintAccounts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	profiles := []*account.Profile{
		{
			Username:   "Alex",
			ID:         uuid.MustParse("ec561538-f3fd-461d-aff5-086b22154bce"),
			Credential: &auth.Credential{AccessToken: "secret-a", ExpiresAt: now.Add(-time.Hour)},
		},
		{
			Username:   "Steve",
			ID:         uuid.MustParse("8667ba71-b85a-4004-af54-457a9734eed7"),
			Credential: &auth.Credential{AccessToken: "secret-b", ExpiresAt: now.Add(time.Hour)},
		},
	}
	var buf bytes.Buffer
	printAccounts(&buf, profiles, now)
	out := buf.String()

	for _, want := range []string{"USERNAME", "Alex", "Steve", "8667ba71-b85a-4004-af54-457a9734eed7", "msa"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "(expired)") != 1 {
		t.Errorf("want exactly one expired account:\n%s", out)
	}
	if strings.Contains(out, "secret") {
		t.Error("access token printed")
	}
}

func TestReadLine(t *testing.T) {
	if got, err := readLine(strings.NewReader("  M.C123_abc \nrest")); err != nil || got != "M.C123_abc" {
		t.Errorf("readLine = %q, %v", got, err)
	}
	if got, err := readLine(strings.NewReader("no-newline")); err != nil || got != "no-newline" {
		t.Errorf("readLine without newline = %q, %v", got, err)
	}
	if _, err := readLine(strings.NewReader("")); err == nil {
		t.Error("empty input accepted")
	}
}
