// Package registry holds the state shared by every session of one gateway
// process. It performs no locking: all access happens on the event loop.
package registry

import (
	"sort"
	"time"

	"webrtsp-restreamer/internal/webrtsp"
)

// SessionRef is a weak reference to a session. Refs are never reused, so a
// ref that no longer resolves always means the session is gone.
type SessionRef uint64

// AuthTokenData describes an issued login token.
type AuthTokenData struct {
	ExpiresAt time.Time
}

// Valid reports whether the token may be used at now.
func (d AuthTokenData) Valid(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}

// RecordMountpointData tracks a Record mountpoint's producer and waiting viewers.
type RecordMountpointData struct {
	Recording     bool
	Subscriptions map[SessionRef]webrtsp.MediaSessionID
}

// Lists are the precomputed bodies answered to wildcard LIST requests and
// sent upstream by agent-mode gateways.
type Lists struct {
	Public    string
	Protected string
	Agent     string
}

// SharedRegistry is the process-wide table set.
type SharedRegistry struct {
	lists             Lists
	authTokens        map[string]AuthTokenData
	recordMountpoints map[string]*RecordMountpointData
	listsCache        map[string]string
	agents            map[string]SessionRef
}

// New returns an empty registry serving the given precomputed lists.
func New(lists Lists) *SharedRegistry {
	return &SharedRegistry{
		lists:             lists,
		authTokens:        make(map[string]AuthTokenData),
		recordMountpoints: make(map[string]*RecordMountpointData),
		listsCache:        make(map[string]string),
		agents:            make(map[string]SessionRef),
	}
}

func (r *SharedRegistry) Lists() Lists {
	return r.lists
}

// InsertAuthToken records a token. A later insert for the same token replaces the expiry.
func (r *SharedRegistry) InsertAuthToken(token string, expiresAt time.Time) {
	r.authTokens[token] = AuthTokenData{ExpiresAt: expiresAt}
}

func (r *SharedRegistry) AuthToken(token string) (AuthTokenData, bool) {
	data, ok := r.authTokens[token]
	return data, ok
}

func (r *SharedRegistry) EraseAuthToken(token string) {
	delete(r.authTokens, token)
}

// AuthTokenValid reports whether token is present and unexpired at now.
// Expired tokens found here are dropped.
func (r *SharedRegistry) AuthTokenValid(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	data, ok := r.authTokens[token]
	if !ok {
		return false
	}
	if !data.Valid(now) {
		delete(r.authTokens, token)
		return false
	}
	return true
}

// CleanupAuthTokens removes every token expired at now and returns how many were removed.
func (r *SharedRegistry) CleanupAuthTokens(now time.Time) int {
	removed := 0
	for token, data := range r.authTokens {
		if !data.Valid(now) {
			delete(r.authTokens, token)
			removed++
		}
	}
	return removed
}

func (r *SharedRegistry) AuthTokenCount() int {
	return len(r.authTokens)
}

// RecordMountpoint returns the record state for uri, creating it on first use.
func (r *SharedRegistry) RecordMountpoint(uri string) *RecordMountpointData {
	data, ok := r.recordMountpoints[uri]
	if !ok {
		data = &RecordMountpointData{Subscriptions: make(map[SessionRef]webrtsp.MediaSessionID)}
		r.recordMountpoints[uri] = data
	}
	return data
}

func (r *SharedRegistry) LookupRecordMountpoint(uri string) (*RecordMountpointData, bool) {
	data, ok := r.recordMountpoints[uri]
	return data, ok
}

// RecordMountpoints returns the uris with record state, sorted.
func (r *SharedRegistry) RecordMountpoints() []string {
	uris := make([]string, 0, len(r.recordMountpoints))
	for uri := range r.recordMountpoints {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

func (r *SharedRegistry) MountpointList(uri string) (string, bool) {
	list, ok := r.listsCache[uri]
	return list, ok
}

func (r *SharedRegistry) SetMountpointList(uri, list string) {
	r.listsCache[uri] = list
}

func (r *SharedRegistry) EraseMountpointList(uri string) {
	delete(r.listsCache, uri)
}

// Agent returns the session currently serving the relayed mountpoint uri.
func (r *SharedRegistry) Agent(uri string) (SessionRef, bool) {
	ref, ok := r.agents[uri]
	return ref, ok
}

func (r *SharedRegistry) SetAgent(uri string, ref SessionRef) {
	r.agents[uri] = ref
}

func (r *SharedRegistry) EraseAgent(uri string) {
	delete(r.agents, uri)
}

// AgentMountpoints returns the uris served by ref, sorted.
func (r *SharedRegistry) AgentMountpoints(ref SessionRef) []string {
	var uris []string
	for uri, agent := range r.agents {
		if agent == ref {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	return uris
}
