// Package dircache provides a cache for container path to backend
// container reference lookups with create-once semantics.
package dircache

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/vault"
)

// ContainerMaker describes an interface for doing the low level
// container work
type ContainerMaker interface {
	FindLeaf(ctx context.Context, parentRef, leaf string) (ref string, found bool, err error)
	CreateContainer(ctx context.Context, parentRef, leaf string) (newRef string, err error)
}

// DirCache caches (parent ref, child name) to container references
//
// It lives for the lifetime of its backend instance and guarantees
// that concurrent lookups for the same missing container perform
// exactly one create call between them.
type DirCache struct {
	mu       sync.RWMutex
	cache    map[string]string
	maker    ContainerMaker // Interface to find and make containers
	rootRef  string         // ref of the absolute root
	createMu sync.Mutex     // exclusive section around find-or-create
}

// New makes a DirCache rooted at rootRef
//
// The cache is safe for concurrent use
func New(rootRef string, maker ContainerMaker) *DirCache {
	dc := &DirCache{
		rootRef: rootRef,
		maker:   maker,
	}
	dc.Flush()
	return dc
}

// key makes the cache key for name in the container parentRef
func key(parentRef, name string) string {
	return parentRef + "/" + name
}

// Get a ref given a parent ref and name
func (dc *DirCache) Get(parentRef, name string) (ref string, ok bool) {
	dc.mu.RLock()
	ref, ok = dc.cache[key(parentRef, name)]
	dc.mu.RUnlock()
	return ref, ok
}

// Put a parent ref, name, ref triple into the cache
func (dc *DirCache) Put(parentRef, name, ref string) {
	dc.mu.Lock()
	dc.cache[key(parentRef, name)] = ref
	dc.mu.Unlock()
}

// Flush the cache of all data
func (dc *DirCache) Flush() {
	dc.mu.Lock()
	dc.cache = make(map[string]string)
	dc.mu.Unlock()
}

// RootRef returns the ref of the root container
func (dc *DirCache) RootRef() string {
	return dc.rootRef
}

// FindContainer walks segments down from the root, finding or making
// each level, and returns the ref of the final container.
//
// If create is false a missing container returns ErrorDirNotFound.
func (dc *DirCache) FindContainer(ctx context.Context, segments []string, create bool) (ref string, err error) {
	ref = dc.rootRef
	for _, name := range segments {
		if name == "" {
			continue
		}
		ref, err = dc.findLeaf(ctx, ref, name, create)
		if err != nil {
			return "", err
		}
	}
	return ref, nil
}

// findLeaf finds or makes the container name inside parentRef
//
// Algorithm:
//  Look in the cache for the (parentRef, name), if found return the ref
//  Take the exclusive section and look again - another goroutine may
//  have made it while we waited
//  Ask the backend for the leaf, creating it if allowed
//  Store the ref in the cache
func (dc *DirCache) findLeaf(ctx context.Context, parentRef, name string, create bool) (string, error) {
	if ref, ok := dc.Get(parentRef, name); ok {
		return ref, nil
	}

	dc.createMu.Lock()
	defer dc.createMu.Unlock()

	// The winner of the race filled the cache while we waited
	if ref, ok := dc.Get(parentRef, name); ok {
		return ref, nil
	}

	ref, found, err := dc.maker.FindLeaf(ctx, parentRef, name)
	if err != nil {
		return "", err
	}
	if !found {
		if !create {
			return "", vault.ErrorDirNotFound
		}
		ref, err = dc.maker.CreateContainer(ctx, parentRef, name)
		if err != nil {
			return "", errors.Wrapf(err, "failed to make container %q", name)
		}
	}

	dc.Put(parentRef, name, ref)
	return ref, nil
}
