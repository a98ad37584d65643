// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store persists the device identity, the latest target state and a
// small metadata k/v table in a single embedded bbolt file. bbolt gives us
// transactional, fsync'd writes, which is what the identity record needs to
// survive power loss on edge hardware.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fieldline/fieldline-agent/pkg/device"
	"github.com/fieldline/fieldline-agent/pkg/state"
)

var (
	bucketDevice      = []byte("device")
	bucketTargetState = []byte("target_state")
	bucketMetadata    = []byte("metadata")

	keyDevice = []byte("device")
	keyLatest = []byte("latest")
)

// Store is a single-writer embedded database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevice, bucketTargetState, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadDevice returns the persisted device record, or (nil, nil) when the
// agent has never been initialized.
func (s *Store) LoadDevice() (*device.Record, error) {
	var rec *device.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDevice).Get(keyDevice)
		if raw == nil {
			return nil
		}
		rec = &device.Record{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveDevice writes the device record in a single fsync'd transaction.
func (s *Store) SaveDevice(rec *device.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevice).Put(keyDevice, raw)
	})
}

// LoadTargetState returns the latest persisted target state, or (nil, nil)
// when no target has ever been stored.
func (s *Store) LoadTargetState() (*state.TargetState, error) {
	var ts *state.TargetState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTargetState).Get(keyLatest)
		if raw == nil {
			return nil
		}
		ts = &state.TargetState{}
		return json.Unmarshal(raw, ts)
	})
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// SaveTargetState atomically replaces the latest target state. Readers
// observe either the old or the new document, never a partial write.
func (s *Store) SaveTargetState(ts *state.TargetState) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTargetState).Put(keyLatest, raw)
	})
}

// GetMeta reads a metadata value. A missing key returns an empty string.
func (s *Store) GetMeta(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketMetadata).Get([]byte(key)); raw != nil {
			val = string(raw)
		}
		return nil
	})
	return val, err
}

// SetMeta writes a metadata value.
func (s *Store) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), []byte(value))
	})
}

// PurgeWorkloadState drops the target state and metadata tables, keeping the
// device record untouched. Used by factory reset.
func (s *Store) PurgeWorkloadState() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTargetState, bucketMetadata} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}
