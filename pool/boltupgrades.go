// Copyright (c) 2021-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nesilp/staking-farm/errors"
)

const (
	// initialVersion is the first version of the database.
	initialVersion = 0

	// accountPruneVersion drops account records holding neither shares nor
	// pending farm reward.  Earlier databases kept them after a full
	// withdrawal.
	accountPruneVersion = 1

	// BoltDBVersion is the latest version of the bolt database that is
	// understood by the program. Databases with recorded versions higher than
	// this will fail to open (meaning any upgrades prevent reverting to older
	// software).
	BoltDBVersion = accountPruneVersion
)

// upgrades maps between old database versions and the upgrade function to
// upgrade the database to the next version.
var upgrades = [...]func(tx *bolt.Tx) error{
	accountPruneVersion - 1: accountPruneUpgrade,
}

// isZeroAmount returns whether a stored amount is zero.  An empty string is
// zero.
func isZeroAmount(s string) (bool, error) {
	if s == "" {
		return true, nil
	}
	v, err := decodeAmount(s)
	if err != nil {
		return false, err
	}
	return v.IsZero(), nil
}

// accountPruneUpgrade removes every account record without shares and
// without pending reward in any farm.
func accountPruneUpgrade(tx *bolt.Tx) error {
	const funcName = "accountPruneUpgrade"
	abkt, err := fetchBucket(tx, accountBkt)
	if err != nil {
		return err
	}

	var stale [][]byte
	err = abkt.ForEach(func(k, v []byte) error {
		var rec accountRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			desc := fmt.Sprintf("%s: unable to unmarshal account %s: %v",
				funcName, string(k), err)
			return errors.DBError(errors.Parse, desc)
		}
		empty, err := isZeroAmount(rec.Shares)
		if err != nil || !empty {
			return err
		}
		for _, state := range rec.Farms {
			empty, err = isZeroAmount(state.Pending)
			if err != nil || !empty {
				return err
			}
		}
		stale = append(stale, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range stale {
		if err := abkt.Delete(k); err != nil {
			desc := fmt.Sprintf("%s: unable to delete account %s: %v",
				funcName, string(k), err)
			return errors.DBError(errors.DeleteEntry, desc)
		}
	}
	log.Infof("Pruned %d empty accounts", len(stale))
	return nil
}

func fetchDBVersion(tx *bolt.Tx) (uint32, error) {
	const funcName = "fetchDBVersion"
	pbkt, err := fetchPoolBucket(tx)
	if err != nil {
		return 0, err
	}
	v := pbkt.Get(versionK)
	if v == nil {
		desc := fmt.Sprintf("%s: db version not set", funcName)
		return 0, errors.DBError(errors.ValueNotFound, desc)
	}

	return binary.LittleEndian.Uint32(v), nil
}

func setDBVersion(tx *bolt.Tx, newVersion uint32) error {
	const funcName = "setDBVersion"
	pbkt, err := fetchPoolBucket(tx)
	if err != nil {
		return err
	}

	vBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(vBytes, newVersion)
	err = pbkt.Put(versionK, vBytes)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to persist version: %v", funcName, err)
		return errors.DBError(errors.PersistEntry, desc)
	}

	return nil
}

// upgradeDB checks whether any upgrades are necessary before the database is
// ready for application usage.  If any are, they are performed.
func upgradeDB(db *BoltDB) error {
	const funcName = "upgradeDB"
	var version uint32
	err := db.DB.View(func(tx *bolt.Tx) error {
		var err error
		version, err = fetchDBVersion(tx)
		return err
	})
	if err != nil {
		return err
	}

	if version == BoltDBVersion {
		// No upgrades necessary.
		return nil
	}

	if version > BoltDBVersion {
		// Database is too new.
		desc := fmt.Sprintf("%s: expected database version <= %d, got %d",
			funcName, BoltDBVersion, version)
		return errors.DBError(errors.DBUpgrade, desc)
	}

	log.Infof("Upgrading database from version %d to %d", version, BoltDBVersion)

	return db.DB.Update(func(tx *bolt.Tx) error {
		// Execute all necessary upgrades in order.
		for _, upgrade := range upgrades[version:] {
			err := upgrade(tx)
			if err != nil {
				return err
			}
		}
		return setDBVersion(tx, BoltDBVersion)
	})
}
