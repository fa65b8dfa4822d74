// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package state implements the persistent key/value store of the agent.
//
// The whole content is kept in memory and written back as one JSON object.
// Writes are atomic: the file is written to <path>.tmp, fsynced, then renamed
// over <path>. On a write failure the in-memory content stays the source of
// truth and the next successful Save flushes it.
package state

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

// Store is the process-wide persistent dictionary.
type Store struct {
	path string

	l       sync.Mutex
	content map[string]json.RawMessage
}

// Load opens the store at path. A missing file yields an empty store; a
// malformed file is an error, callers treat it as fatal at startup.
func Load(path string) (*Store, error) {
	s := &Store{
		path:    path,
		content: make(map[string]json.RawMessage),
	}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read state file")
	}
	if err := json.Unmarshal(buf, &s.content); err != nil {
		return nil, errors.Wrapf(err, "state file %s is corrupted", path)
	}
	return s, nil
}

// Save writes the whole content to disk with an atomic replace.
func (s *Store) Save() error {
	s.l.Lock()
	defer s.l.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	buf, err := json.Marshal(s.content)
	if err != nil {
		return errors.Wrap(err, "unable to serialize state")
	}

	// The state holds credentials, keep the file private.
	tmp := s.path + ".tmp"
	fd, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "unable to write state file")
	}
	if _, err := fd.Write(buf); err != nil {
		fd.Close()
		return errors.Wrap(err, "unable to write state file")
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return errors.Wrap(err, "unable to sync state file")
	}
	if err := fd.Close(); err != nil {
		return errors.Wrap(err, "unable to close state file")
	}
	return os.Rename(tmp, s.path)
}

// Get decodes the value stored under key into out. It returns false when the
// key is absent.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	s.l.Lock()
	raw, ok := s.content[key]
	s.l.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Wrapf(err, "state key %q has unexpected content", key)
	}
	return true, nil
}

// GetString returns the string under key, or "" when absent.
func (s *Store) GetString(key string) string {
	var v string
	if ok, err := s.Get(key, &v); !ok || err != nil {
		return ""
	}
	return v
}

// Set stores value under key and flushes to disk before returning. A flush
// failure is logged and not returned: the in-memory value is kept and will be
// written by a later Save.
func (s *Store) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "unable to serialize state key %q", key)
	}

	s.l.Lock()
	defer s.l.Unlock()
	s.content[key] = raw
	if err := s.saveLocked(); err != nil {
		log.Warnf("Failed to store state file: %v", err)
	}
	return nil
}

// Delete removes key and flushes.
func (s *Store) Delete(key string) {
	s.l.Lock()
	defer s.l.Unlock()
	if _, ok := s.content[key]; !ok {
		return
	}
	delete(s.content, key)
	if err := s.saveLocked(); err != nil {
		log.Warnf("Failed to store state file: %v", err)
	}
}

// Has returns whether key is present.
func (s *Store) Has(key string) bool {
	s.l.Lock()
	defer s.l.Unlock()
	_, ok := s.content[key]
	return ok
}
