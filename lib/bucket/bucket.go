// Package bucket contains utilities for managing bucket based backends
package bucket

import (
	"strings"
	"sync"
)

// Split takes an absolute path which includes the bucket and
// splits it into a bucket and a path in that bucket
// bucketPath
func Split(absPath string) (bucket, bucketPath string) {
	// No bucket
	if absPath == "" {
		return "", ""
	}
	slash := strings.IndexRune(absPath, '/')
	// Bucket but no path
	if slash < 0 {
		return absPath, ""
	}
	return absPath[:slash], absPath[slash+1:]
}

// Join joins path segments into a bucket path, ignoring empty
// segments and not adding leading or trailing /
func Join(elem ...string) string {
	out := ""
	for _, e := range elem {
		if e == "" {
			continue
		}
		if out != "" {
			out += "/"
		}
		out += e
	}
	return out
}

// Cache stores whether buckets are available
type Cache struct {
	mu       sync.Mutex      // mutex to protect status
	status   map[string]bool // true if we have created the container
	createMu sync.Mutex      // mutex to protect against simultaneous Create
}

// NewCache creates an empty Cache
func NewCache() *Cache {
	return &Cache{
		status: make(map[string]bool, 1),
	}
}

// MarkOK marks the bucket as being present
func (c *Cache) MarkOK(bucket string) {
	if bucket != "" {
		c.mu.Lock()
		c.status[bucket] = true
		c.mu.Unlock()
	}
}

type (
	// ExistsFn should be passed to Create to see if a bucket
	// exists or not
	ExistsFn func() (found bool, err error)

	// CreateFn should be passed to Create to make a bucket
	CreateFn func() error
)

// Create the bucket with create() if it doesn't exist
//
// If exists is set then it will be called first to see whether the
// bucket is there already.
//
// If create returns an error we assume the bucket was not created.
// Concurrent callers for the same bucket serialise on createMu so at
// most one create() runs at once.
func (c *Cache) Create(bucket string, create CreateFn, exists ExistsFn) (err error) {
	// if we are at the root, then it is OK
	if bucket == "" {
		return nil
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	// If bucket already exists then it is OK
	if created, ok := c.status[bucket]; ok && created {
		return nil
	}

	// Check the bucket hasn't been created by someone else
	if exists != nil {
		c.mu.Unlock()
		found, err := exists()
		c.mu.Lock()
		if err != nil {
			return err
		}
		if found {
			c.status[bucket] = true
			return nil
		}
	}

	// Create the bucket
	c.mu.Unlock()
	err = create()
	c.mu.Lock()
	if err != nil {
		return err
	}

	// Mark OK if successful
	c.status[bucket] = true
	return nil
}
