package carrier

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/BearBump/TrackMail/internal/models"
)

type entry struct {
	client      Client
	fingerprint string
}

// Registry maps each courier to the client configured for it.
// A courier without an entry has no usable configuration and is skipped by the poller.
type Registry struct {
	mu      sync.RWMutex
	entries map[models.Courier]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[models.Courier]entry)}
}

// Register sets the client for courier. fingerprint identifies the credentials
// the client was built with; see Fingerprint.
func (r *Registry) Register(courier models.Courier, c Client, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c == nil {
		delete(r.entries, courier)
		return
	}
	r.entries[courier] = entry{client: c, fingerprint: fingerprint}
}

func (r *Registry) Client(courier models.Courier) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[courier]
	return e.client, ok
}

func (r *Registry) Fingerprint(courier models.Courier) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[courier].fingerprint
}

// Couriers lists the configured couriers in models.Couriers order.
func (r *Registry) Couriers() []models.Courier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Courier
	for _, c := range models.Couriers() {
		if _, ok := r.entries[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Fingerprint hashes credential parts so a changed secret can be detected
// without keeping the secret itself around.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
