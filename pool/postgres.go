// Copyright (c) 2020-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lib/pq"

	"github.com/nesilp/staking-farm/errors"
)

// PostgresDB is a wrapper around sql.DB which implements the Database
// interface.
type PostgresDB struct {
	DB *sql.DB
}

// Ensure PostgresDB implements Database.
var _ Database = (*PostgresDB)(nil)

// InitPostgresDB connects to the specified database and creates all tables
// required by the stake pool.
func InitPostgresDB(host string, port uint32, user, pass, dbName string, purge bool) (*PostgresDB, error) {
	const funcName = "InitPostgresDB"

	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s "+
		"password=%s dbname=%s sslmode=disable",
		host, port, user, pass, dbName)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to open postgres: %v", funcName, err)
		return nil, errors.DBError(errors.DBOpen, desc)
	}

	// Send a Ping() to validate the db connection. This is because the Open()
	// func does not actually create a connection to the database, it just
	// validates the provided arguments.
	err = db.Ping()
	if err != nil {
		db.Close()
		desc := fmt.Sprintf("%s: unable to connect to postgres: %v", funcName, err)
		return nil, errors.DBError(errors.DBOpen, desc)
	}

	// Create all of the tables required by the stake pool.
	for _, stmt := range []string{createTableMetadata, createTableAccounts,
		createTableFarms, createTableActions} {
		_, err = db.Exec(stmt)
		if err != nil {
			db.Close()
			desc := fmt.Sprintf("%s: unable to create table: %v", funcName, err)
			return nil, errors.DBError(errors.CreateStorage, desc)
		}
	}

	if purge {
		_, err = db.Exec(purgeDB)
		if err != nil {
			db.Close()
			desc := fmt.Sprintf("%s: unable to purge database: %v", funcName, err)
			return nil, errors.DBError(errors.DeleteEntry, desc)
		}
	}

	return &PostgresDB{db}, nil
}

// Close closes the postgres database connection.
func (db *PostgresDB) Close() error {
	err := db.DB.Close()
	if err != nil {
		desc := fmt.Sprintf("unable to close postgres: %v", err)
		return errors.DBError(errors.DBClose, desc)
	}
	return nil
}

// HTTPBackup is not implemented for postgres database.
func (db *PostgresDB) HTTPBackup(w http.ResponseWriter) error {
	desc := "HTTPBackup is not implemented for postgres database"
	return errors.DBError(errors.Unsupported, desc)
}

// Backup is not implemented for postgres database.
func (db *PostgresDB) Backup(fileName string) error {
	desc := "Backup is not implemented for postgres database"
	return errors.DBError(errors.Unsupported, desc)
}

// decodeAccountRows deserializes the provided SQL rows into account records.
func decodeAccountRows(rows *sql.Rows) ([]*accountRecord, error) {
	const funcName = "decodeAccountRows"
	var toReturn []*accountRecord
	for rows.Next() {
		var id, shares, farms string
		err := rows.Scan(&id, &shares, &farms)
		if err != nil {
			return nil, err
		}

		rec := &accountRecord{ID: id, Shares: shares}
		err = json.Unmarshal([]byte(farms), &rec.Farms)
		if err != nil {
			desc := fmt.Sprintf("%s: unable to decode farm states of %s: %v",
				funcName, id, err)
			return nil, errors.DBError(errors.Parse, desc)
		}
		toReturn = append(toReturn, rec)
	}

	err := rows.Err()
	if err != nil {
		return nil, err
	}

	return toReturn, nil
}

// decodeFarmRows deserializes the provided SQL rows into farm records.
func decodeFarmRows(rows *sql.Rows) ([]*farmRecord, error) {
	var toReturn []*farmRecord
	for rows.Next() {
		var rec farmRecord
		err := rows.Scan(&rec.ID, &rec.Name, &rec.TokenID, &rec.Funder,
			&rec.Amount, &rec.StartDate, &rec.EndDate,
			&rec.AccRewardPerShare, &rec.LastUpdateTime,
			&rec.DistributedTotal, &rec.ForgoneTotal, &rec.Reclaimed)
		if err != nil {
			return nil, err
		}
		toReturn = append(toReturn, &rec)
	}

	err := rows.Err()
	if err != nil {
		return nil, err
	}

	return toReturn, nil
}

// decodeActionRows deserializes the provided SQL rows into action records.
func decodeActionRows(rows *sql.Rows) ([]*actionRecord, error) {
	var toReturn []*actionRecord
	for rows.Next() {
		var rec actionRecord
		err := rows.Scan(&rec.ID, &rec.Kind, &rec.Account, &rec.Amount,
			&rec.Shares, &rec.FarmID, &rec.TokenID, &rec.CreatedOn)
		if err != nil {
			return nil, err
		}
		toReturn = append(toReturn, &rec)
	}

	err := rows.Err()
	if err != nil {
		return nil, err
	}

	return toReturn, nil
}

// loadState reads the complete pool state.
func (db *PostgresDB) loadState() (*stateSnapshot, error) {
	const funcName = "loadState"
	snap := new(stateSnapshot)

	var state string
	err := db.DB.QueryRow(selectPoolState).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		desc := fmt.Sprintf("%s: unable to fetch pool state: %v", funcName, err)
		return nil, errors.DBError(errors.FetchEntry, desc)
	default:
		var rec poolRecord
		if err := json.Unmarshal([]byte(state), &rec); err != nil {
			desc := fmt.Sprintf("%s: unable to unmarshal pool state: %v",
				funcName, err)
			return nil, errors.DBError(errors.Parse, desc)
		}
		snap.pool = &rec
	}

	rows, err := db.DB.Query(selectAccounts)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to fetch accounts: %v", funcName, err)
		return nil, errors.DBError(errors.FetchEntry, desc)
	}
	snap.accounts, err = decodeAccountRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = db.DB.Query(selectFarms)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to fetch farms: %v", funcName, err)
		return nil, errors.DBError(errors.FetchEntry, desc)
	}
	snap.farms, err = decodeFarmRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = db.DB.Query(selectActions)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to fetch actions: %v", funcName, err)
		return nil, errors.DBError(errors.FetchEntry, desc)
	}
	snap.actions, err = decodeActionRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// commit writes the change set in a single transaction.
func (db *PostgresDB) commit(cs *changeSet) error {
	const funcName = "commit"
	if cs.isEmpty() {
		return nil
	}

	tx, err := db.DB.Begin()
	if err != nil {
		desc := fmt.Sprintf("%s: unable to begin transaction: %v", funcName, err)
		return errors.DBError(errors.PersistEntry, desc)
	}

	err = db.applyChangeSet(tx, cs)
	if err != nil {
		tx.Rollback()
		return err
	}

	err = tx.Commit()
	if err != nil {
		desc := fmt.Sprintf("%s: unable to commit transaction: %v", funcName, err)
		return errors.DBError(errors.PersistEntry, desc)
	}
	return nil
}

// applyChangeSet executes every write of the change set within tx.
func (db *PostgresDB) applyChangeSet(tx *sql.Tx, cs *changeSet) error {
	const funcName = "applyChangeSet"
	if cs.pool != nil {
		state, err := json.Marshal(cs.pool)
		if err != nil {
			desc := fmt.Sprintf("%s: unable to marshal pool state: %v",
				funcName, err)
			return errors.DBError(errors.Parse, desc)
		}
		_, err = tx.Exec(insertPoolState, string(state))
		if err != nil {
			desc := fmt.Sprintf("%s: unable to persist pool state: %v",
				funcName, err)
			return errors.DBError(errors.PersistEntry, desc)
		}
	}

	for _, acc := range cs.accounts {
		farms, err := json.Marshal(acc.Farms)
		if err != nil {
			desc := fmt.Sprintf("%s: unable to marshal farm states of %s: %v",
				funcName, acc.ID, err)
			return errors.DBError(errors.Parse, desc)
		}
		_, err = tx.Exec(upsertAccount, acc.ID, acc.Shares, string(farms))
		if err != nil {
			desc := fmt.Sprintf("%s: unable to persist account %s: %v",
				funcName, acc.ID, err)
			return errors.DBError(errors.PersistEntry, desc)
		}
	}
	for _, id := range cs.deletedAccounts {
		_, err := tx.Exec(deleteAccount, id)
		if err != nil {
			desc := fmt.Sprintf("%s: unable to delete account %s: %v",
				funcName, id, err)
			return errors.DBError(errors.DeleteEntry, desc)
		}
	}

	for _, f := range cs.farms {
		_, err := tx.Exec(upsertFarm, f.ID, f.Name, f.TokenID, f.Funder,
			f.Amount, f.StartDate, f.EndDate, f.AccRewardPerShare,
			f.LastUpdateTime, f.DistributedTotal, f.ForgoneTotal, f.Reclaimed)
		if err != nil {
			desc := fmt.Sprintf("%s: unable to persist farm %d: %v",
				funcName, f.ID, err)
			return errors.DBError(errors.PersistEntry, desc)
		}
	}

	for _, a := range cs.actions {
		_, err := tx.Exec(insertAction, a.ID, a.Kind, a.Account, a.Amount,
			a.Shares, a.FarmID, a.TokenID, a.CreatedOn)
		if err != nil {
			var pqError *pq.Error
			if errors.As(err, &pqError) {
				if pqError.Code.Name() == "unique_violation" {
					desc := fmt.Sprintf("%s: action %d already exists",
						funcName, a.ID)
					return errors.DBError(errors.ValueFound, desc)
				}
			}
			desc := fmt.Sprintf("%s: unable to persist action %d: %v",
				funcName, a.ID, err)
			return errors.DBError(errors.PersistEntry, desc)
		}
	}
	for _, id := range cs.deletedActions {
		_, err := tx.Exec(deleteAction, id)
		if err != nil {
			desc := fmt.Sprintf("%s: unable to delete action %d: %v",
				funcName, id, err)
			return errors.DBError(errors.DeleteEntry, desc)
		}
	}
	return nil
}
