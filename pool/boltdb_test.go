package pool

import (
	"encoding/binary"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/nesilp/staking-farm/errors"
)

func testBoltDB(t *testing.T) {
	// Ensure the db buckets have been created.
	err := db.DB.View(func(tx *bolt.Tx) error {
		pbkt := tx.Bucket(poolBkt)
		if pbkt == nil {
			return fmt.Errorf("poolBkt does not exist")
		}
		for _, bkt := range [][]byte{accountBkt, farmBkt, actionBkt} {
			if pbkt.Bucket(bkt) == nil {
				return fmt.Errorf("%s does not exist", string(bkt))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A fresh database holds no pool state.
	snap, err := db.loadState()
	if err != nil {
		t.Fatalf("loadState error: %v", err)
	}
	if snap.pool != nil || len(snap.accounts) != 0 {
		t.Fatalf("expected an empty database")
	}

	// Write, overwrite and delete records.
	cs := &changeSet{
		pool: &poolRecord{TotalShares: "5", TotalStakedBalance: "5",
			LastTotalBalance: "5", BurnOutstanding: "0", BurnInFlight: "0",
			BurnRecorded: "0", BurnForwarded: "0", NextActionID: 3},
		accounts: []*accountRecord{
			{ID: xID, Shares: "5", Farms: map[uint64]farmAccountRecord{
				0: {RewardSnapshot: "7", Pending: "1"},
			}},
			{ID: yID, Shares: "1"},
		},
		farms: []*farmRecord{
			{ID: 1, Amount: "10", AccRewardPerShare: "7",
				DistributedTotal: "0", ForgoneTotal: "0"},
			{ID: 0, Amount: "10", AccRewardPerShare: "7",
				DistributedTotal: "0", ForgoneTotal: "0"},
		},
		actions: []*actionRecord{
			{ID: 1, Kind: string(ActionStake), Amount: "5", Shares: "5"},
			{ID: 2, Kind: string(ActionBurn), Amount: "1", Shares: "0"},
		},
	}
	if err := db.commit(cs); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	cs = &changeSet{
		deletedAccounts: []string{yID},
		deletedActions:  []uint64{1},
	}
	if err := db.commit(cs); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	snap, err = db.loadState()
	if err != nil {
		t.Fatalf("loadState error: %v", err)
	}
	if snap.pool == nil || snap.pool.NextActionID != 3 {
		t.Fatalf("unexpected pool record %+v", snap.pool)
	}
	if len(snap.accounts) != 1 || snap.accounts[0].ID != xID ||
		snap.accounts[0].Farms[0].Pending != "1" {
		t.Fatalf("unexpected accounts %+v", snap.accounts)
	}
	if len(snap.farms) != 2 || snap.farms[0].ID != 0 {
		t.Fatalf("expected farms in id order, got %+v", snap.farms)
	}
	if len(snap.actions) != 1 || snap.actions[0].ID != 2 {
		t.Fatalf("unexpected actions %+v", snap.actions)
	}

	// Create a database backup.
	backupPath := filepath.Join(filepath.Dir(db.DB.Path()), BoltBackupFile)
	defer os.Remove(backupPath)
	if err := db.Backup(BoltBackupFile); err != nil {
		t.Fatalf("backup error: %v", err)
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("backup file error: %v", err)
	}

	// Stream a backup over HTTP.
	rr := httptest.NewRecorder()
	if err := db.HTTPBackup(rr); err != nil {
		t.Fatalf("HTTPBackup error: %v", err)
	}
	if rr.Body.Len() == 0 ||
		rr.Header().Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("unexpected backup response")
	}
}

func testBoltDBVersion(t *testing.T) {
	var version uint32
	err := db.DB.View(func(tx *bolt.Tx) error {
		var err error
		version, err = fetchDBVersion(tx)
		return err
	})
	if err != nil {
		t.Fatalf("fetchDBVersion error: %v", err)
	}
	if version != BoltDBVersion {
		t.Fatalf("expected version %d, got %d", BoltDBVersion, version)
	}

	// A database newer than the software refuses to open.
	err = db.DB.Update(func(tx *bolt.Tx) error {
		return setDBVersion(tx, BoltDBVersion+1)
	})
	if err != nil {
		t.Fatalf("setDBVersion error: %v", err)
	}
	err = upgradeDB(db)
	if !errors.Is(err, errors.DBUpgrade) {
		t.Fatalf("expected a db upgrade error, got %v", err)
	}

	// A missing version is reported.
	err = db.DB.Update(func(tx *bolt.Tx) error {
		pbkt, err := fetchPoolBucket(tx)
		if err != nil {
			return err
		}
		return pbkt.Delete(versionK)
	})
	if err != nil {
		t.Fatalf("delete version error: %v", err)
	}
	err = db.DB.View(func(tx *bolt.Tx) error {
		_, err := fetchDBVersion(tx)
		return err
	})
	if !errors.Is(err, errors.ValueNotFound) {
		t.Fatalf("expected a value not found error, got %v", err)
	}

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, BoltDBVersion)
	err = db.DB.Update(func(tx *bolt.Tx) error {
		pbkt, err := fetchPoolBucket(tx)
		if err != nil {
			return err
		}
		return pbkt.Put(versionK, b)
	})
	if err != nil {
		t.Fatalf("restore version error: %v", err)
	}
	if err := upgradeDB(db); err != nil {
		t.Fatalf("upgradeDB error: %v", err)
	}
}

func testBoltDBUpgrade(t *testing.T) {
	// Roll the database back to its first version holding stale accounts.
	cs := &changeSet{
		accounts: []*accountRecord{
			{ID: xID, Shares: "5"},
			{ID: yID, Shares: "0", Farms: map[uint64]farmAccountRecord{
				0: {RewardSnapshot: "7", Pending: "0"},
			}},
			{ID: ownerID, Shares: "0", Farms: map[uint64]farmAccountRecord{
				0: {RewardSnapshot: "7", Pending: "3"},
			}},
		},
	}
	if err := db.commit(cs); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	err := db.DB.Update(func(tx *bolt.Tx) error {
		return setDBVersion(tx, initialVersion)
	})
	if err != nil {
		t.Fatalf("setDBVersion error: %v", err)
	}

	if err := upgradeDB(db); err != nil {
		t.Fatalf("upgradeDB error: %v", err)
	}

	snap, err := db.loadState()
	if err != nil {
		t.Fatalf("loadState error: %v", err)
	}
	kept := make(map[string]bool)
	for _, acc := range snap.accounts {
		kept[acc.ID] = true
	}
	if len(kept) != 2 || !kept[xID] || !kept[ownerID] {
		t.Fatalf("unexpected accounts after upgrade %v", kept)
	}

	var version uint32
	err = db.DB.View(func(tx *bolt.Tx) error {
		var err error
		version, err = fetchDBVersion(tx)
		return err
	})
	if err != nil {
		t.Fatalf("fetchDBVersion error: %v", err)
	}
	if version != BoltDBVersion {
		t.Fatalf("expected version %d, got %d", BoltDBVersion, version)
	}
}
