// Package dns binds per-session host names to instance addresses.
package dns

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrAlreadyAbsent is returned by Delete when no record exists. Callers
// tearing a session down treat it as success.
var ErrAlreadyAbsent = errors.New("dns record already absent")

type Provider interface {
	Upsert(ctx context.Context, name, ip string) error
	Delete(ctx context.Context, name, ip string) error
}

// SessionDomain is the host name a session is reachable at. It is used for
// the A record, the TLS certificate subject and the device agent address.
func SessionDomain(sessionID, suffix string) string {
	return strings.ToLower(sessionID) + "." + strings.Trim(strings.ToLower(suffix), ".")
}

type FakeProvider struct {
	mu      sync.Mutex
	records map[string]string
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{records: map[string]string{}}
}

func (f *FakeProvider) Upsert(_ context.Context, name, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[name] = ip
	return nil
}

func (f *FakeProvider) Delete(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[name]; !ok {
		return ErrAlreadyAbsent
	}
	delete(f.records, name)
	return nil
}

// Lookup returns the address bound to name, if any.
func (f *FakeProvider) Lookup(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ip, ok := f.records[name]
	return ip, ok
}
