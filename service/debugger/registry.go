package debugger

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/probemcp/probemcp/pkg/logflags"
	"github.com/probemcp/probemcp/service/api"
	"github.com/sirupsen/logrus"
)

// Registry tracks live sessions by handle. Each session owns an independent
// lock and RTT poller; sessions never share a probe handle.
type Registry struct {
	config *Config
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Debugger
	// connecting counts sessions that passed the cap check but are still
	// talking to hardware, so concurrent connects cannot exceed MaxSessions.
	connecting int
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg *Config) *Registry {
	cfg.defaults()
	return &Registry{
		config:   cfg,
		log:      logflags.DebuggerLogger(),
		sessions: make(map[string]*Debugger),
	}
}

// ListProbes enumerates available probes. Stateless; valid without any
// session.
func (r *Registry) ListProbes() ([]api.ProbeDescriptor, error) {
	descs, err := r.config.Driver.List()
	if err != nil {
		return nil, api.Errorf(api.ProbeNotFound, "enumerating probes: %v", err)
	}
	out := make([]api.ProbeDescriptor, len(descs))
	for i, desc := range descs {
		out[i] = api.ProbeDescriptor{ID: desc.ID, Vendor: desc.Vendor, Product: desc.Product, Serial: desc.Serial}
	}
	return out, nil
}

// Connect opens a probe, attaches the target and registers the new session.
func (r *Registry) Connect(probeID, chip string, speedKHz int, underReset bool) (*Debugger, error) {
	r.mu.Lock()
	if n := len(r.sessions) + r.connecting; n >= r.config.MaxSessions {
		r.mu.Unlock()
		return nil, api.Errorf(api.InvalidParameter, "session limit reached (%d)", n)
	}
	r.connecting++
	id := newSessionID()
	r.mu.Unlock()

	// The connect itself happens outside the registry lock; it talks to
	// hardware and can take a while. The slot stays reserved until it
	// resolves either way.
	d, err := New(r.config, id, probeID, chip, speedKHz, underReset)

	r.mu.Lock()
	r.connecting--
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.sessions[id] = d
	r.mu.Unlock()
	r.log.Infof("registered session %s (%d live)", id, r.Count())
	return d, nil
}

// Get looks up a session by handle. Unknown handles report NotConnected:
// from the caller's point of view there is no session there.
func (r *Registry) Get(id string) (*Debugger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.sessions[id]
	if !ok {
		return nil, api.Errorf(api.NotConnected, "no session %q", id)
	}
	return d, nil
}

// Disconnect tears down a session and removes it from the registry.
// Disconnecting an unknown handle is a no-op: disconnect is idempotent.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	d, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return d.Disconnect()
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll disconnects every session, for server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Debugger, 0, len(r.sessions))
	for _, d := range r.sessions {
		sessions = append(sessions, d)
	}
	r.sessions = make(map[string]*Debugger)
	r.mu.Unlock()
	for _, d := range sessions {
		d.Disconnect()
	}
}

func newSessionID() string {
	var b [4]byte
	rand.Read(b[:])
	return "session-" + hex.EncodeToString(b[:])
}
