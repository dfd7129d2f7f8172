// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var groupSelectionBucket = []byte("policy_group_selection")

// Store persists policy-group selections in a bbolt database so a restarted
// gateway resumes the operator's last choice (made through Registry.Select)
// instead of reverting to the profile's configured default.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if necessary) a bbolt database at path for
// group-selection persistence.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("policy: open selection store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(groupSelectionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("policy: init selection bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists group's selected member.
func (s *Store) Save(group, member string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(groupSelectionBucket).Put([]byte(group), []byte(member))
	})
}

// Load returns the persisted selection for group, if any.
func (s *Store) Load(group string) (string, bool) {
	var member string
	var found bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(groupSelectionBucket).Get([]byte(group))
		if v != nil {
			member = string(v)
			found = true
		}
		return nil
	})
	return member, found
}
