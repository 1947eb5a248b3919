package mtls

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// BearerTokenType is the token type whose responses go in the bearer slot.
// Every other token type is proof of possession.
const BearerTokenType = "Bearer"

// metadata is the last issuance response per token type for one identity.
type metadata struct {
	// seq orders entries by creation, for TryGetAnyPop
	seq uint64

	mu      sync.Mutex
	subject string
	bearer  []byte
	pop     []byte
}

// MetadataCache remembers the most recent issuance response for each
// identity, so a request that only differs in token type can avoid a new
// issuance. Bearer and proof of possession responses are kept separately,
// and share the certificate subject recorded the first time the identity
// was cached.
type MetadataCache struct {
	// entries maps IdentityKey, without token type, to *metadata
	entries sync.Map
	seq     atomic.Uint64
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{}
}

func isBearer(tokenType string) bool {
	return strings.EqualFold(tokenType, BearerTokenType)
}

// Cache records response as the latest for key and tokenType. subject is
// only stored if none is recorded for the identity yet.
func (m *MetadataCache) Cache(key IdentityKey, tokenType string, response []byte, subject string) error {
	if err := key.validate(); err != nil {
		return err
	}
	v, _ := m.entries.LoadOrStore(key.metadataKey(), &metadata{seq: m.seq.Add(1)})
	md := v.(*metadata)

	md.mu.Lock()
	defer md.mu.Unlock()
	if md.subject == "" {
		md.subject = subject
	}
	if isBearer(tokenType) {
		md.bearer = slices.Clone(response)
	} else {
		md.pop = slices.Clone(response)
	}
	return nil
}

// TryGet returns the response cached for key and tokenType. It only
// succeeds if both a response and a subject are recorded.
func (m *MetadataCache) TryGet(key IdentityKey, tokenType string) (response []byte, subject string, ok bool) {
	v, found := m.entries.Load(key.metadataKey())
	if !found {
		return nil, "", false
	}
	md := v.(*metadata)

	md.mu.Lock()
	defer md.mu.Unlock()
	resp := md.pop
	if isBearer(tokenType) {
		resp = md.bearer
	}
	if len(resp) == 0 || md.subject == "" {
		return nil, "", false
	}
	return slices.Clone(resp), md.subject, true
}

// TryGetAnyPop returns a proof of possession response from any identity,
// for callers that do not know their own identity key. Of the identities
// with a response and subject, the one cached first is returned.
func (m *MetadataCache) TryGetAnyPop() (key IdentityKey, response []byte, subject string, ok bool) {
	var bestSeq uint64
	m.entries.Range(func(k, v any) bool {
		md := v.(*metadata)
		md.mu.Lock()
		defer md.mu.Unlock()
		if len(md.pop) == 0 || md.subject == "" {
			return true
		}
		if !ok || md.seq < bestSeq {
			key, response, subject, ok = k.(IdentityKey), slices.Clone(md.pop), md.subject, true
			bestSeq = md.seq
		}
		return true
	})
	return key, response, subject, ok
}

// Remove drops the responses for key's identity.
func (m *MetadataCache) Remove(key IdentityKey) {
	m.entries.Delete(key.metadataKey())
}
