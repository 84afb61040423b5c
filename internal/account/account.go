// Package account keeps the table of game accounts the proxy logs in as.
// The table is persisted as one pretty-printed JSON file that is rewritten
// in full after every change.
package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/auth"
	"github.com/MEMOxiiii/odonata-bridge/pkg/logger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrExists is returned by Add for a username already in the table.
var ErrExists = errors.New("account: username already exists")

// UnknownKindError is returned when a stored credential names a kind this
// build cannot decode. An empty Kind means the tag was missing.
type UnknownKindError struct {
	Username string
	Kind     string
}

func (e *UnknownKindError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("account %q: credential has no impl tag", e.Username)
	}
	return fmt.Sprintf("account %q: unknown credential impl %q", e.Username, e.Kind)
}

// Profile is a game account: a username, its id and an optional credential
// proving ownership to the session service.
type Profile struct {
	Username   string
	ID         uuid.UUID
	Credential *auth.Credential
}

type profileJSON struct {
	Username string    `json:"username"`
	UUID     string    `json:"uuid"`
	Auth     *authJSON `json:"auth,omitempty"`
}

type authJSON struct {
	Impl string          `json:"impl"`
	Data json.RawMessage `json:"data"`
}

// Table maps usernames to profiles. The zero value is not usable; call Load.
type Table struct {
	path string

	mu       sync.RWMutex
	profiles map[string]*Profile
}

// Load reads the accounts file at path. A missing file yields an empty table.
func Load(path string) (*Table, error) {
	t := &Table{path: path, profiles: make(map[string]*Profile)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return t, nil
	}

	var doc map[string]profileJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	for key, pj := range doc {
		p, err := decodeProfile(key, pj)
		if err != nil {
			return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
		}
		t.profiles[p.Username] = p
	}
	return t, nil
}

func decodeProfile(key string, pj profileJSON) (*Profile, error) {
	if pj.Username == "" {
		pj.Username = key
	}
	id, err := uuid.Parse(pj.UUID)
	if err != nil {
		return nil, fmt.Errorf("account %q: bad uuid %q: %w", pj.Username, pj.UUID, err)
	}
	p := &Profile{Username: pj.Username, ID: id}
	if pj.Auth == nil {
		return p, nil
	}
	switch pj.Auth.Impl {
	case auth.KindMSA:
		var c auth.Credential
		if err := json.Unmarshal(pj.Auth.Data, &c); err != nil {
			return nil, fmt.Errorf("account %q: credential: %w", pj.Username, err)
		}
		p.Credential = &c
	default:
		return nil, &UnknownKindError{Username: pj.Username, Kind: pj.Auth.Impl}
	}
	return p, nil
}

// Path returns the file the table is persisted to.
func (t *Table) Path() string { return t.path }

// Lookup returns the profile stored under username.
func (t *Table) Lookup(username string) (*Profile, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[username]
	return p, ok
}

// Len returns the number of profiles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.profiles)
}

// Profiles returns all profiles sorted by username.
func (t *Table) Profiles() []*Profile {
	t.mu.RLock()
	out := make([]*Profile, 0, len(t.profiles))
	for _, p := range t.profiles {
		out = append(out, p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out
}

// Add stores p and saves the file. Unless replace is set, an existing
// username is rejected with ErrExists.
func (t *Table) Add(p *Profile, replace bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.profiles[p.Username]; ok && !replace {
		return fmt.Errorf("%w: %s", ErrExists, p.Username)
	}
	t.profiles[p.Username] = p
	return t.saveLocked()
}

// Remove deletes username and saves the file. It reports whether the
// username was present.
func (t *Table) Remove(username string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.profiles[username]; !ok {
		return false, nil
	}
	delete(t.profiles, username)
	return true, t.saveLocked()
}

// Save writes the whole table to disk.
func (t *Table) Save() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.saveLocked()
}

func (t *Table) saveLocked() error {
	doc := make(map[string]profileJSON, len(t.profiles))
	for name, p := range t.profiles {
		pj := profileJSON{Username: p.Username, UUID: p.ID.String()}
		if p.Credential != nil {
			data, err := json.Marshal(p.Credential)
			if err != nil {
				return fmt.Errorf("encode credential of %q: %w", name, err)
			}
			pj.Auth = &authJSON{Impl: auth.KindMSA, Data: data}
		}
		doc[name] = pj
	}
	raw, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	return writeFileAtomic(t.path, append(raw, '\n'))
}

// writeFileAtomic replaces path with data through a temp file and rename so
// a crash never leaves a half-written accounts file.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write accounts file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync accounts file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close accounts file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

// Refresher renews credentials; *auth.Authenticator implements it.
type Refresher interface {
	Refresh(ctx context.Context, c *auth.Credential) (*auth.Credential, error)
	Profile(ctx context.Context, c *auth.Credential) (auth.Profile, error)
}

// RefreshExpired renews every credential that has expired at now and looks
// the profile up again, since the name may have changed. The table is saved
// once if anything changed. Accounts that fail to refresh are left as they
// were; their errors are combined in the result.
func (t *Table) RefreshExpired(ctx context.Context, r Refresher, now time.Time, log logger.Logger) (refreshed int, err error) {
	var expired []*Profile
	for _, p := range t.Profiles() {
		if p.Credential != nil && p.Credential.Expired(now) {
			expired = append(expired, p)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	updated := make(map[string]*Profile, len(expired))
	for _, p := range expired {
		next, rerr := refreshOne(ctx, r, p)
		if rerr != nil {
			log.Warnw("Failed to refresh account", "account", p.Username, zap.Error(rerr))
			err = multierr.Append(err, fmt.Errorf("refresh %s: %w", p.Username, rerr))
			continue
		}
		log.Infow("Refreshed account",
			"account", next.Username,
			"expires", next.Credential.ExpiresAt.Format(time.RFC3339),
		)
		updated[p.Username] = next
	}
	if len(updated) == 0 {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for old, next := range updated {
		delete(t.profiles, old)
		t.profiles[next.Username] = next
	}
	if serr := t.saveLocked(); serr != nil {
		err = multierr.Append(err, serr)
	}
	return len(updated), err
}

func refreshOne(ctx context.Context, r Refresher, p *Profile) (*Profile, error) {
	cred, err := r.Refresh(ctx, p.Credential)
	if err != nil {
		return nil, err
	}
	prof, err := r.Profile(ctx, cred)
	if err != nil {
		return nil, err
	}
	return &Profile{Username: prof.Name, ID: prof.ID, Credential: cred}, nil
}
