// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package store keeps the most recent sample of every (measurement, item).
//
// Some entries can stay unupdated forever, for example disk usage of an
// unmounted partition, so a periodic purge drops anything older than
// MaxAge along with keys the cloud registry deleted.
package store

import (
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/bleemeo/bleemeo-agent/pkg/types"
)

// MaxAge is the age after which a cached sample is purged.
const MaxAge = 6 * time.Minute

// Store is the last-value table.
type Store struct {
	c *cache.Cache
}

// New returns an empty store. Expiry is driven by the Purge job, not by a
// background janitor, so the purge cadence stays observable.
func New() *Store {
	return &Store{
		c: cache.New(cache.NoExpiration, 0),
	}
}

func cacheKey(key types.MetricKey) string {
	return key.Measurement + "\x00" + key.Item
}

// Put replaces the cached sample for the sample's key.
func (s *Store) Put(m types.MetricSample) {
	s.c.Set(cacheKey(m.Key()), m, cache.NoExpiration)
}

// Get returns the last sample for key, if any.
func (s *Store) Get(key types.MetricKey) (types.MetricSample, bool) {
	v, ok := s.c.Get(cacheKey(key))
	if !ok {
		return types.MetricSample{}, false
	}
	return v.(types.MetricSample), true
}

// Keys returns a snapshot of the cached identities.
func (s *Store) Keys() []types.MetricKey {
	items := s.c.Items()
	keys := make([]types.MetricKey, 0, len(items))
	for _, it := range items {
		m := it.Object.(types.MetricSample)
		keys = append(keys, m.Key())
	}
	return keys
}

// Len returns the number of cached samples.
func (s *Store) Len() int { return s.c.ItemCount() }

// Purge drops samples older than MaxAge (by sample time) and every key of
// the deleted set, regardless of age.
func (s *Store) Purge(now time.Time, deleted []types.MetricKey) {
	cutoff := float64(now.Unix()) - MaxAge.Seconds()

	deletedSet := make(map[types.MetricKey]bool, len(deleted))
	for _, k := range deleted {
		deletedSet[k] = true
	}

	for name, it := range s.c.Items() {
		m := it.Object.(types.MetricSample)
		if m.Time < cutoff || deletedSet[m.Key()] {
			s.c.Delete(name)
		}
	}
}
