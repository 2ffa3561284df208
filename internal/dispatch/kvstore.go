package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// KVCooldownStore keeps cooldown state in a NATS JetStream key-value bucket so
// several daemons share one view of what already fired.
type KVCooldownStore struct {
	kv nats.KeyValue
}

// NewKVCooldownStore binds to bucket, creating it when missing. ttl bounds
// how long an entry lives and should cover the longest cooldown.
func NewKVCooldownStore(js nats.JetStreamContext, bucket string, ttl time.Duration) (*KVCooldownStore, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "vitalwatch notification cooldowns",
			TTL:         ttl,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open cooldown bucket %s: %w", bucket, err)
	}
	return &KVCooldownStore{kv: kv}, nil
}

// kvKey encodes arbitrary user and dedupe keys into the bucket's key alphabet.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *KVCooldownStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	entry, err := s.kv.Get(kvKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get cooldown %s: %w", key, err)
	}
	t, err := decodeFiredAt(entry.Value())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode cooldown %s: %w", key, err)
	}
	return t, true, nil
}

// Claim writes with an expected revision: Create for a fresh key, Update
// against the revision just read otherwise. A daemon that loses the race gets
// nats.ErrKeyExists and reports the winner's fire time.
func (s *KVCooldownStore) Claim(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return false, time.Time{}, err
	}
	data, err := now.UTC().MarshalText()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("encode cooldown %s: %w", key, err)
	}

	k := kvKey(key)
	entry, err := s.kv.Get(k)
	switch {
	case errors.Is(err, nats.ErrKeyNotFound):
		_, err = s.kv.Create(k, data)
	case err != nil:
		return false, time.Time{}, fmt.Errorf("get cooldown %s: %w", key, err)
	default:
		last, derr := decodeFiredAt(entry.Value())
		if derr != nil {
			return false, time.Time{}, fmt.Errorf("decode cooldown %s: %w", key, derr)
		}
		if coolingDown(last, now, cooldown) {
			return false, last, nil
		}
		_, err = s.kv.Update(k, data, entry.Revision())
	}

	if errors.Is(err, nats.ErrKeyExists) {
		last, ok, gerr := s.Get(ctx, key)
		if gerr != nil {
			return false, time.Time{}, gerr
		}
		if !ok {
			last = now
		}
		return false, last, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("claim cooldown %s: %w", key, err)
	}
	return true, now, nil
}

func decodeFiredAt(b []byte) (time.Time, error) {
	var t time.Time
	err := t.UnmarshalText(b)
	return t, err
}
