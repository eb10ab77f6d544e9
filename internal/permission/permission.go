// Package permission resolves which WritePermission an ingest message's
// APIKey grants, and whether that permission covers a given path. The
// router consults it before dispatching Append stream refs, which are
// the only writes that may establish a version without a client-chosen
// id.
package permission

import (
	"sync"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// Resolver looks up the WritePermission associated with an API key.
type Resolver interface {
	Resolve(apiKey string) (pathvfs.WritePermission, bool)
}

// Registry is an in-memory reference Resolver, suitable for the daemon's
// config-supplied key set. Key provisioning lives outside this module;
// this is the minimal concrete implementation of the interface the rest
// of the system needs.
type Registry struct {
	mu    sync.RWMutex
	grant map[string]pathvfs.WritePermission
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{grant: make(map[string]pathvfs.WritePermission)}
}

// Grant associates apiKey with perm, replacing any previous grant.
func (r *Registry) Grant(apiKey string, perm pathvfs.WritePermission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grant[apiKey] = perm
}

// Revoke removes any grant associated with apiKey.
func (r *Registry) Revoke(apiKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grant, apiKey)
}

func (r *Registry) Resolve(apiKey string) (pathvfs.WritePermission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.grant[apiKey]
	return p, ok
}

// CanWrite reports whether perm authorizes writing at path, and returns
// the authorities to credit the write to. A permission covers path if
// perm.Path is path or an ancestor of it.
func CanWrite(perm pathvfs.WritePermission, path pathvfs.Path) (pathvfs.Authorities, bool) {
	if !path.HasPrefix(perm.Path) {
		return nil, false
	}
	return perm.Authorities, true
}

// Authorize resolves apiKey via resolver and checks it covers path,
// returning a PermissionDenied resourceerr.Error on any failure.
func Authorize(resolver Resolver, apiKey string, path pathvfs.Path) (pathvfs.Authorities, error) {
	perm, ok := resolver.Resolve(apiKey)
	if !ok {
		return nil, resourceerr.New(resourceerr.PermissionDenied, string(path), "unknown api key")
	}
	authorities, ok := CanWrite(perm, path)
	if !ok {
		return nil, resourceerr.New(resourceerr.PermissionDenied, string(path), "api key not authorized for this path")
	}
	return authorities, nil
}
