package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snapmint/internal/kvstore"
)

var ErrNotFound = errors.New("session: not found")

const (
	sessionKeyPrefix = "session:"
	addressKeyPrefix = "addr:"
)

// Store persists sessions as JSON records in the durable KV store, plus a
// secondary escrow-address → session-id index. Records carry an explicit TTL:
// short while awaiting payment, extended once real work is in flight so a
// mint or sweep is never evicted mid-flight.
type Store struct {
	kv           kvstore.Store
	paymentTTL   time.Duration
	retentionTTL time.Duration
}

func NewStore(kv kvstore.Store, paymentWindow, retentionWindow time.Duration) *Store {
	return &Store{
		kv:           kv,
		paymentTTL:   paymentWindow + time.Hour,
		retentionTTL: retentionWindow,
	}
}

func (s *Store) ttlFor(status Status) time.Duration {
	if status == StatusPending {
		return s.paymentTTL
	}
	return s.retentionTTL
}

// Create writes a new session and its address mapping.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKeyPrefix+sess.ID, string(raw), s.ttlFor(sess.Status)); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if err := s.kv.Set(ctx, addressKeyPrefix+sess.EscrowAddress, sess.ID, s.retentionTTL); err != nil {
		return fmt.Errorf("store address index: %w", err)
	}
	return nil
}

// Get returns the session and the raw record it was decoded from. The raw
// value is the token for a later Swap.
func (s *Store) Get(ctx context.Context, id string) (*Session, string, error) {
	raw, ok, err := s.kv.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		return nil, "", fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, "", ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, "", fmt.Errorf("decode session: %w", err)
	}
	return &sess, raw, nil
}

// MapAddress resolves an escrow address to its session id.
func (s *Store) MapAddress(ctx context.Context, address string) (string, error) {
	id, ok, err := s.kv.Get(ctx, addressKeyPrefix+address)
	if err != nil {
		return "", fmt.Errorf("load address index: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// Update writes the session unconditionally (last-write-wins).
func (s *Store) Update(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.kv.Set(ctx, sessionKeyPrefix+sess.ID, string(raw), s.ttlFor(sess.Status))
}

// Swap writes the session only if the stored record still equals oldRaw.
// This is the at-most-one-mint guard: two concurrent polls both read the same
// pending record, but only one swap to minting succeeds.
func (s *Store) Swap(ctx context.Context, oldRaw string, sess *Session) (bool, error) {
	raw, err := json.Marshal(sess)
	if err != nil {
		return false, fmt.Errorf("marshal session: %w", err)
	}
	swapped, err := s.kv.CompareAndSwap(ctx, sessionKeyPrefix+sess.ID, oldRaw, string(raw), s.ttlFor(sess.Status))
	if err != nil {
		return false, fmt.Errorf("swap session: %w", err)
	}
	return swapped, nil
}
