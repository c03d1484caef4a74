// Copyright (c) 2020-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

const (
	createTableMetadata = `
	CREATE TABLE IF NOT EXISTS metadata (
		key      TEXT PRIMARY KEY,
		value    TEXT NOT NULL
	);`

	createTableAccounts = `
	CREATE TABLE IF NOT EXISTS accounts (
		id     TEXT PRIMARY KEY,
		shares TEXT NOT NULL,
		farms  TEXT NOT NULL
	);`

	createTableFarms = `
	CREATE TABLE IF NOT EXISTS farms (
		id                INT8    PRIMARY KEY,
		name              TEXT    NOT NULL,
		tokenid           TEXT    NOT NULL,
		funder            TEXT    NOT NULL,
		amount            TEXT    NOT NULL,
		startdate         INT8    NOT NULL,
		enddate           INT8    NOT NULL,
		accrewardpershare TEXT    NOT NULL,
		lastupdatetime    INT8    NOT NULL,
		distributedtotal  TEXT    NOT NULL,
		forgonetotal      TEXT    NOT NULL,
		reclaimed         BOOLEAN NOT NULL
	);`

	createTableActions = `
	CREATE TABLE IF NOT EXISTS actions (
		id        INT8 PRIMARY KEY,
		kind      TEXT NOT NULL,
		account   TEXT NOT NULL,
		amount    TEXT NOT NULL,
		shares    TEXT NOT NULL,
		farmid    INT8 NOT NULL,
		tokenid   TEXT NOT NULL,
		createdon INT8 NOT NULL
	);`

	selectPoolState = `
	SELECT value
	FROM metadata
	WHERE key='poolstate';`

	insertPoolState = `
	INSERT INTO metadata(key, value)
	VALUES ('poolstate', $1)
	ON CONFLICT (key)
	DO UPDATE SET value=$1;`

	selectAccounts = `
	SELECT
		id,
		shares,
		farms
	FROM accounts;`

	upsertAccount = `
	INSERT INTO accounts(id, shares, farms)
	VALUES ($1, $2, $3)
	ON CONFLICT (id)
	DO UPDATE SET shares=$2, farms=$3;`

	deleteAccount = `DELETE FROM accounts WHERE id=$1;`

	selectFarms = `
	SELECT
		id,
		name,
		tokenid,
		funder,
		amount,
		startdate,
		enddate,
		accrewardpershare,
		lastupdatetime,
		distributedtotal,
		forgonetotal,
		reclaimed
	FROM farms
	ORDER BY id ASC;`

	upsertFarm = `
	INSERT INTO farms(
		id, name, tokenid, funder, amount, startdate, enddate,
		accrewardpershare, lastupdatetime, distributedtotal, forgonetotal,
		reclaimed
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id)
	DO UPDATE SET
		accrewardpershare=$8,
		lastupdatetime=$9,
		distributedtotal=$10,
		forgonetotal=$11,
		reclaimed=$12;`

	selectActions = `
	SELECT
		id,
		kind,
		account,
		amount,
		shares,
		farmid,
		tokenid,
		createdon
	FROM actions
	ORDER BY id ASC;`

	insertAction = `
	INSERT INTO actions(
		id, kind, account, amount, shares, farmid, tokenid, createdon
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	deleteAction = `DELETE FROM actions WHERE id=$1;`

	purgeDB = `
	DELETE FROM metadata;
	DELETE FROM accounts;
	DELETE FROM farms;
	DELETE FROM actions;`
)
