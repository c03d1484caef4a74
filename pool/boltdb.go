// Copyright (c) 2019-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nesilp/staking-farm/errors"
)

var (
	// poolBkt is the main bucket of the stake pool, all other buckets
	// are nested within it.
	poolBkt = []byte("poolbkt")
	// accountBkt stores the shares and farm states of every account.
	accountBkt = []byte("accountbkt")
	// farmBkt stores all farms keyed by id.
	farmBkt = []byte("farmbkt")
	// actionBkt stores host actions awaiting their callback.
	actionBkt = []byte("actionbkt")
	// versionK is the key of the current version of the database.
	versionK = []byte("version")
	// poolStateK is the key of the pool totals.
	poolStateK = []byte("poolstate")
	// BoltBackupFile is the database backup file name.
	BoltBackupFile = "backup.kv"
)

// BoltDB is a wrapper around bolt.DB which implements the Database interface.
type BoltDB struct {
	DB *bolt.DB
}

// Ensure BoltDB implements Database.
var _ Database = (*BoltDB)(nil)

// openBoltDB creates a connection to the provided bolt storage, the returned
// connection storage should always be closed after use.
func openBoltDB(storage string) (*BoltDB, error) {
	const funcName = "openBoltDB"
	db, err := bolt.Open(storage, 0600,
		&bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		desc := fmt.Sprintf("%s: unable to open db file: %v", funcName, err)
		return nil, errors.DBError(errors.DBOpen, desc)
	}
	return &BoltDB{db}, nil
}

// createNestedBucket creates a nested child bucket of the provided parent.
func createNestedBucket(parent *bolt.Bucket, child []byte) error {
	const funcName = "createNestedBucket"
	_, err := parent.CreateBucketIfNotExists(child)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to create %s bucket: %v",
			funcName, string(child), err)
		return errors.DBError(errors.CreateStorage, desc)
	}
	return nil
}

// createBuckets creates all storage buckets of the stake pool.
func createBuckets(db *BoltDB) error {
	const funcName = "createBuckets"
	return db.DB.Update(func(tx *bolt.Tx) error {
		var err error
		pbkt := tx.Bucket(poolBkt)
		if pbkt == nil {
			pbkt, err = tx.CreateBucketIfNotExists(poolBkt)
			if err != nil {
				desc := fmt.Sprintf("%s: unable to create %s bucket: %v",
					funcName, string(poolBkt), err)
				return errors.DBError(errors.CreateStorage, desc)
			}
			vbytes := make([]byte, 4)
			binary.LittleEndian.PutUint32(vbytes, BoltDBVersion)
			err = pbkt.Put(versionK, vbytes)
			if err != nil {
				desc := fmt.Sprintf("%s: unable to persist version: %v",
					funcName, err)
				return errors.DBError(errors.PersistEntry, desc)
			}
		}

		err = createNestedBucket(pbkt, accountBkt)
		if err != nil {
			return err
		}
		err = createNestedBucket(pbkt, farmBkt)
		if err != nil {
			return err
		}
		return createNestedBucket(pbkt, actionBkt)
	})
}

// InitBoltDB handles the creation and upgrading of a bolt database.
func InitBoltDB(dbFile string) (*BoltDB, error) {
	db, err := openBoltDB(dbFile)
	if err != nil {
		return nil, err
	}

	err = createBuckets(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	err = upgradeDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Backup saves a copy of the db to file. The file will be saved in the same
// directory as the current db file.
func (db *BoltDB) Backup(backupFileName string) error {
	backupPath := filepath.Join(filepath.Dir(db.DB.Path()), backupFileName)
	return db.DB.View(func(tx *bolt.Tx) error {
		err := tx.CopyFile(backupPath, 0600)
		if err != nil {
			desc := fmt.Sprintf("unable to backup db: %v", err)
			return errors.DBError(errors.Backup, desc)
		}
		return nil
	})
}

// HTTPBackup streams a backup of the entire database over the provided HTTP
// response writer.
func (db *BoltDB) HTTPBackup(w http.ResponseWriter) error {
	return db.DB.View(func(tx *bolt.Tx) error {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="backup.db"`)
		w.Header().Set("Content-Length", strconv.Itoa(int(tx.Size())))
		_, err := tx.WriteTo(w)
		return err
	})
}

// Close closes the Bolt database.
func (db *BoltDB) Close() error {
	err := db.DB.Close()
	if err != nil {
		desc := fmt.Sprintf("unable to close db: %v", err)
		return errors.DBError(errors.DBClose, desc)
	}
	return nil
}

// fetchPoolBucket is a helper function for getting the pool bucket.
func fetchPoolBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	const funcName = "fetchPoolBucket"
	pbkt := tx.Bucket(poolBkt)
	if pbkt == nil {
		desc := fmt.Sprintf("%s: bucket %s not found", funcName,
			string(poolBkt))
		return nil, errors.DBError(errors.StorageNotFound, desc)
	}
	return pbkt, nil
}

// fetchBucket is a helper function for getting the requested bucket.
func fetchBucket(tx *bolt.Tx, bucketID []byte) (*bolt.Bucket, error) {
	const funcName = "fetchBucket"
	pbkt, err := fetchPoolBucket(tx)
	if err != nil {
		return nil, err
	}
	bkt := pbkt.Bucket(bucketID)
	if bkt == nil {
		desc := fmt.Sprintf("%s: bucket %s not found", funcName,
			string(bucketID))
		return nil, errors.DBError(errors.StorageNotFound, desc)
	}
	return bkt, nil
}

// idToBigEndianBytes returns an 8-byte big endian key for the provided id
// so cursors iterate in id order.
func idToBigEndianBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// putJSON marshals v and stores it under key in the provided bucket.
func putJSON(bkt *bolt.Bucket, key []byte, v interface{}, what string) error {
	const funcName = "putJSON"
	b, err := json.Marshal(v)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to marshal %s: %v", funcName,
			what, err)
		return errors.DBError(errors.Parse, desc)
	}
	err = bkt.Put(key, b)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to persist %s: %v", funcName,
			what, err)
		return errors.DBError(errors.PersistEntry, desc)
	}
	return nil
}

// loadState reads the complete pool state.
func (db *BoltDB) loadState() (*stateSnapshot, error) {
	const funcName = "loadState"
	snap := new(stateSnapshot)
	err := db.DB.View(func(tx *bolt.Tx) error {
		pbkt, err := fetchPoolBucket(tx)
		if err != nil {
			return err
		}
		if v := pbkt.Get(poolStateK); v != nil {
			var rec poolRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				desc := fmt.Sprintf("%s: unable to unmarshal pool state: %v",
					funcName, err)
				return errors.DBError(errors.Parse, desc)
			}
			snap.pool = &rec
		}

		abkt, err := fetchBucket(tx, accountBkt)
		if err != nil {
			return err
		}
		err = abkt.ForEach(func(k, v []byte) error {
			var rec accountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				desc := fmt.Sprintf("%s: unable to unmarshal account %s: %v",
					funcName, string(k), err)
				return errors.DBError(errors.Parse, desc)
			}
			snap.accounts = append(snap.accounts, &rec)
			return nil
		})
		if err != nil {
			return err
		}

		fbkt, err := fetchBucket(tx, farmBkt)
		if err != nil {
			return err
		}
		err = fbkt.ForEach(func(k, v []byte) error {
			var rec farmRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				desc := fmt.Sprintf("%s: unable to unmarshal farm: %v",
					funcName, err)
				return errors.DBError(errors.Parse, desc)
			}
			snap.farms = append(snap.farms, &rec)
			return nil
		})
		if err != nil {
			return err
		}

		actbkt, err := fetchBucket(tx, actionBkt)
		if err != nil {
			return err
		}
		return actbkt.ForEach(func(k, v []byte) error {
			var rec actionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				desc := fmt.Sprintf("%s: unable to unmarshal action: %v",
					funcName, err)
				return errors.DBError(errors.Parse, desc)
			}
			snap.actions = append(snap.actions, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// commit writes the change set in a single transaction.
func (db *BoltDB) commit(cs *changeSet) error {
	const funcName = "commit"
	if cs.isEmpty() {
		return nil
	}
	return db.DB.Update(func(tx *bolt.Tx) error {
		pbkt, err := fetchPoolBucket(tx)
		if err != nil {
			return err
		}
		if cs.pool != nil {
			err := putJSON(pbkt, poolStateK, cs.pool, "pool state")
			if err != nil {
				return err
			}
		}

		abkt, err := fetchBucket(tx, accountBkt)
		if err != nil {
			return err
		}
		for _, acc := range cs.accounts {
			err := putJSON(abkt, []byte(acc.ID), acc, "account "+acc.ID)
			if err != nil {
				return err
			}
		}
		for _, id := range cs.deletedAccounts {
			err := abkt.Delete([]byte(id))
			if err != nil {
				desc := fmt.Sprintf("%s: unable to delete account %s: %v",
					funcName, id, err)
				return errors.DBError(errors.DeleteEntry, desc)
			}
		}

		fbkt, err := fetchBucket(tx, farmBkt)
		if err != nil {
			return err
		}
		for _, farm := range cs.farms {
			err := putJSON(fbkt, idToBigEndianBytes(farm.ID), farm,
				fmt.Sprintf("farm %d", farm.ID))
			if err != nil {
				return err
			}
		}

		actbkt, err := fetchBucket(tx, actionBkt)
		if err != nil {
			return err
		}
		for _, action := range cs.actions {
			err := putJSON(actbkt, idToBigEndianBytes(action.ID), action,
				fmt.Sprintf("action %d", action.ID))
			if err != nil {
				return err
			}
		}
		for _, id := range cs.deletedActions {
			err := actbkt.Delete(idToBigEndianBytes(id))
			if err != nil {
				desc := fmt.Sprintf("%s: unable to delete action %d: %v",
					funcName, id, err)
				return errors.DBError(errors.DeleteEntry, desc)
			}
		}
		return nil
	})
}
