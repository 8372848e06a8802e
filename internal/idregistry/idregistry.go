// Package idregistry assigns 64-hex container/network ids and resolves
// id/name/short-prefix references against an in-memory index rebuilt from
// the StateStore on startup.
package idregistry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/xfeldman/arca/internal/dockererr"
)

// Registry is a concurrency-safe name<->id index. It holds no persistent
// state of its own — StateStore is authoritative, and Rebuild repopulates
// the index from it at startup.
type Registry struct {
	mu        sync.RWMutex
	idToName  map[string]string
	nameToID  map[string]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		idToName: make(map[string]string),
		nameToID: make(map[string]string),
	}
}

// NewID generates a random 64-hex id, matching the shape of a Docker
// container id.
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Register binds a name to an id. Fails NameConflict if the name is
// already bound to a different id.
func (r *Registry) Register(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nameToID[name]; ok && existing != id {
		return fmt.Errorf("%w: name %q", dockererr.NameConflict, name)
	}
	r.idToName[id] = name
	r.nameToID[name] = id
	return nil
}

// Unregister removes an id (and its name binding) from the index.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.idToName[id]; ok {
		delete(r.nameToID, name)
		delete(r.idToName, id)
	}
}

// Rebuild replaces the index contents wholesale, used at startup once
// StateStore has been read.
func (r *Registry) Rebuild(idToName map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idToName = make(map[string]string, len(idToName))
	r.nameToID = make(map[string]string, len(idToName))
	for id, name := range idToName {
		r.idToName[id] = name
		r.nameToID[name] = id
	}
}

// NameOf returns the name bound to id, or "" if unknown.
func (r *Registry) NameOf(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idToName[id]
}

// Resolve maps a user-supplied reference to a full id. Resolution order:
// exact id match, exact name match, unique hex prefix of at least 4
// characters. Returns AmbiguousPrefix on multiple prefix matches and
// NotFound when nothing matches.
func (r *Registry) Resolve(ref string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.idToName[ref]; ok {
		return ref, nil
	}
	if id, ok := r.nameToID[ref]; ok {
		return id, nil
	}

	if len(ref) < 4 || !isHexPrefix(ref) {
		return "", fmt.Errorf("%w: %q", dockererr.NotFound, ref)
	}

	var matches []string
	for id := range r.idToName {
		if len(id) >= len(ref) && id[:len(ref)] == ref {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", dockererr.NotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d records", dockererr.AmbiguousPrefix, ref, len(matches))
	}
}

// ShortID returns the first 12 hex characters of a full id, Docker's
// conventional display length.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func isHexPrefix(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
