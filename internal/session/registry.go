package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bedrock-chatbot/internal/domain"
)

// UnknownPolicy decides what happens when a client supplies a session id the
// registry does not hold.
type UnknownPolicy string

const (
	// PolicyResume registers a new session under the supplied id.
	PolicyResume UnknownPolicy = "resume"
	// PolicyReject fails with ErrSessionNotFound.
	PolicyReject UnknownPolicy = "reject"
)

// ParsePolicy converts a configuration string into an UnknownPolicy.
func ParsePolicy(s string) (UnknownPolicy, error) {
	switch UnknownPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyResume, "":
		return PolicyResume, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", fmt.Errorf("session: unknown policy %q", s)
}

// Registry resolves session ids to conversation state and serializes work on
// each session.
type Registry struct {
	store  Store
	policy UnknownPolicy
	locks  *keyedMutex
	now    func() time.Time
	newID  func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy sets the unknown session id policy.
func WithPolicy(p UnknownPolicy) Option {
	return func(r *Registry) {
		if p != "" {
			r.policy = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	r := &Registry{
		store:  store,
		policy: PolicyResume,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Policy returns the configured unknown session id policy.
func (r *Registry) Policy() UnknownPolicy {
	return r.policy
}

// ResolveOrCreate returns the session for id. An empty id creates a session
// under a fresh identifier; an unknown id is handled per the registry policy.
// created reports whether a new session was registered. modelID becomes the
// default model of a newly created session and is ignored otherwise.
func (r *Registry) ResolveOrCreate(ctx context.Context, id, modelID string) (s *domain.Session, created bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id, err = r.unusedID(ctx)
		if err != nil {
			return nil, false, err
		}
		s, err = r.create(ctx, id, modelID)
		return s, err == nil, err
	}

	s, err = r.store.Get(ctx, id)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, fmt.Errorf("session: resolve %s: %w", id, err)
	}
	if r.policy == PolicyReject {
		return nil, false, ErrSessionNotFound
	}
	s, err = r.create(ctx, id, modelID)
	return s, err == nil, err
}

// Get returns the session or ErrSessionNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	return r.store.Get(ctx, id)
}

// Save writes back a mutated session and refreshes its activity time.
func (r *Registry) Save(ctx context.Context, s *domain.Session) error {
	s.LastActivity = r.now()
	if err := r.store.Put(ctx, s); err != nil {
		return fmt.Errorf("session: save %s: %w", s.ID, err)
	}
	return nil
}

// IDs returns a sorted snapshot of registered session ids.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete unregisters a session. Persisted conversation history is untouched.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.Lock(id)
	defer unlock()
	return r.store.Delete(ctx, id)
}

// Lock serializes work on one session id within this process. The returned
// function releases the lock.
func (r *Registry) Lock(id string) func() {
	return r.locks.lock(id)
}

// EvictIdle removes sessions whose last activity is older than maxIdle and
// returns how many were removed.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		return 0, nil
	}
	ids, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-maxIdle)
	evicted := 0
	for _, id := range ids {
		if r.evictIfIdle(ctx, id, cutoff) {
			evicted++
		}
	}
	return evicted, nil
}

func (r *Registry) evictIfIdle(ctx context.Context, id string, cutoff time.Time) bool {
	unlock := r.Lock(id)
	defer unlock()
	s, err := r.store.Get(ctx, id)
	if err != nil || !s.LastActivity.Before(cutoff) {
		return false
	}
	return r.store.Delete(ctx, id) == nil
}

func (r *Registry) create(ctx context.Context, id, modelID string) (*domain.Session, error) {
	now := r.now()
	s := &domain.Session{
		ID:           id,
		ModelID:      strings.TrimSpace(modelID),
		CreatedAt:    now,
		LastActivity: now,
		Turns:        []domain.Turn{},
	}
	if err := r.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create %s: %w", id, err)
	}
	return s, nil
}

func (r *Registry) unusedID(ctx context.Context) (string, error) {
	for range 8 {
		id := r.newID()
		_, err := r.store.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("session: check id: %w", err)
		}
	}
	return "", errors.New("session: could not generate an unused session id")
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
