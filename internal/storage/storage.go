// Package storage persists the small amount of state that survives
// restarts: per-user debug preferences and usage counters. Conversation
// histories are deliberately not stored here; they live in memory only.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

var db *bolt.DB

const (
	bucketDebug = "debug" // key: userID, value: "on"/"off"
	bucketUsage = "usage" // key: userID, value: JSON Usage
)

// Usage accumulates per-user interaction counters for operator-facing
// stats.
type Usage struct {
	Turns       int   `json:"turns"`
	TokensSpent int   `json:"tokens_spent"`
	LastTurn    int64 `json:"last_turn"`
}

// Init opens the database file and creates buckets if needed.
func Init(path string) error {
	var err error
	db, err = bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketDebug)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketUsage)); err != nil {
			return err
		}
		return nil
	})
}

// Close closes the underlying database.
func Close() error {
	if db == nil {
		return nil
	}
	return db.Close()
}

// SetDebug stores the user's debug-echo preference.
func SetDebug(userID int64, on bool) error {
	val := "off"
	if on {
		val = "on"
	}
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDebug))
		return b.Put(userKey(userID), []byte(val))
	})
}

// Debug returns the user's debug-echo preference. Default is off.
func Debug(userID int64) (bool, error) {
	var on bool
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDebug))
		on = string(b.Get(userKey(userID))) == "on"
		return nil
	})
	return on, err
}

// RecordTurn increments the user's usage counters after a successful
// completion turn.
func RecordTurn(userID int64, tokens int) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsage))
		key := userKey(userID)
		var u Usage
		if v := b.Get(key); v != nil {
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
		}
		u.Turns++
		u.TokensSpent += tokens
		u.LastTurn = time.Now().Unix()
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LoadUsage returns the accumulated counters for a user. A user without any
// recorded turns yields the zero Usage.
func LoadUsage(userID int64) (Usage, error) {
	var u Usage
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsage))
		v := b.Get(userKey(userID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &u)
	})
	return u, err
}

func userKey(userID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(userID))
	return key
}
