package ghapp

import (
	"net/http"
	"sync"
	"time"
)

// appTransport authenticates requests as the App itself, reusing a minted
// JWT until shortly before it expires.
type appTransport struct {
	base   http.RoundTripper
	minter *AppTokenMinter
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newAppTransport(base http.RoundTripper, minter *AppTokenMinter, now func() time.Time) *appTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &appTransport{base: base, minter: minter, now: now}
}

func (t *appTransport) bearer() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.token != "" && now.Add(time.Minute).Before(t.expiry) {
		return t.token, nil
	}
	token, exp, err := t.minter.Mint(now)
	if err != nil {
		return "", err
	}
	t.token, t.expiry = token, exp
	return token, nil
}

// RoundTrip implements http.RoundTripper.
func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.bearer()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(r)
}
