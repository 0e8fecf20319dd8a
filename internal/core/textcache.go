package core

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// TextCache deduplicates captured shared-library text images by content
// hash. A library's .text segment can show up more than once in a
// process's address space (e.g. a second thread's loader mapping it
// again, or an ASLR-unrelated re-map of the same file), and capturing it
// twice would mean two anonymous-mmap buffers and two /proc/pid/mem reads
// for bytes that are going to be bit-identical. The cache is keyed on the
// captured bytes themselves rather than the library's path, since a
// reinjection heuristic may already be comparing bytes, not paths.
type TextCache struct {
	mu   sync.Mutex
	seen map[uint64][]byte
}

// NewTextCache returns an empty cache.
func NewTextCache() *TextCache {
	return &TextCache{seen: make(map[uint64][]byte)}
}

// Intern returns buf unchanged the first time its content hash is seen.
// On every later call with content that hashes the same, it reports the
// previously interned slice instead, via ok == true, so the caller can
// release its own buffer rather than hold a redundant copy.
func (c *TextCache) Intern(buf []byte) (existing []byte, ok bool) {
	key := xxhash.Sum64(buf)
	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, found := c.seen[key]; found {
		return prior, true
	}
	c.seen[key] = buf
	return nil, false
}
