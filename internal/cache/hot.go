package cache

import (
	"math/rand/v2"
	"sync"
)

// HotIndex is the in-memory fast path: voice_id -> normalized text -> ordered
// audio paths, one per version. It reflects a subset of DB rows; absence here
// just falls through to a miss. Reads vastly dominate, hence the RWMutex.
type HotIndex struct {
	mu           sync.RWMutex
	buckets      map[string]map[string][]string
	varietyDepth int
}

func NewHotIndex(varietyDepth int) *HotIndex {
	if varietyDepth < 1 {
		varietyDepth = 1
	}
	return &HotIndex{
		buckets:      make(map[string]map[string][]string),
		varietyDepth: varietyDepth,
	}
}

// Add appends a path to the (voice, text) bucket, deduplicating and capping
// at the variety depth (oldest path dropped when over).
func (h *HotIndex) Add(textNormalized, voiceID, audioPath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bucket, ok := h.buckets[voiceID]
	if !ok {
		bucket = make(map[string][]string)
		h.buckets[voiceID] = bucket
	}
	paths := bucket[textNormalized]
	for _, p := range paths {
		if p == audioPath {
			return
		}
	}
	paths = append(paths, audioPath)
	if len(paths) > h.varietyDepth {
		paths = paths[len(paths)-h.varietyDepth:]
	}
	bucket[textNormalized] = paths
}

// Remove drops the whole (voice, text) bucket entry.
func (h *HotIndex) Remove(textNormalized, voiceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket, ok := h.buckets[voiceID]; ok {
		delete(bucket, textNormalized)
	}
}

// ExactLookup returns one path chosen uniformly at random from the bucket, or
// "" on a miss.
func (h *HotIndex) ExactLookup(textNormalized, voiceID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	paths := h.buckets[voiceID][textNormalized]
	if len(paths) == 0 {
		return ""
	}
	return paths[rand.IntN(len(paths))]
}

// Paths returns a copy of the full bucket, for variety-depth introspection.
func (h *HotIndex) Paths(textNormalized, voiceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	paths := h.buckets[voiceID][textNormalized]
	out := make([]string, len(paths))
	copy(out, paths)
	return out
}

// Keys returns the normalized texts cached for a voice, for fuzzy scanning.
func (h *HotIndex) Keys(voiceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bucket := h.buckets[voiceID]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys
}

// Size is the count of distinct (voice, text) buckets.
func (h *HotIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, bucket := range h.buckets {
		n += len(bucket)
	}
	return n
}

func (h *HotIndex) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buckets = make(map[string]map[string][]string)
}
