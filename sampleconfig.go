// Copyright (c) 2019-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

// sampleConfigFileContents is a string containing the commented example config
// for stakefarmd.
const sampleConfigFileContents = `[Application Options]
; ------------------------------------------------------------------------------
; Debug settings
; ------------------------------------------------------------------------------
; Debug logging level.
; Valid levels are {trace, debug, info, warn, error, critical}
; You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set
; log level for individual subsystems.  Use stakefarmd --debuglevel=show to
; list available subsystems.
; debuglevel=

; Enable HTTP profiling on the given [addr:]port.
; profile=

; ------------------------------------------------------------------------------
; Data settings
; ------------------------------------------------------------------------------
; The home directory of stakefarmd.
; homedir=

; The directory to store data.
; datadir=

; The log file directory.
; logdir=

; ------------------------------------------------------------------------------
; DB settings
; ------------------------------------------------------------------------------
; The bolt database file.
; dbfile=

; Use a postgres database instead of bolt.
; postgres=false
; postgreshost=127.0.0.1
; postgresport=5432
; postgresuser=stakefarm
; postgrespass=
; postgresdbname=stakefarm

; Wipe the postgres database on startup.
; purgedb=false

; ------------------------------------------------------------------------------
; Pool settings
; ------------------------------------------------------------------------------
; The account receiving the reward fee.  Required.
; owner=

; The account holding the initial stake of the pool.
; poolaccount=pool

; The account burned reward is forwarded to.
; burnaccount=system

; The owner's fraction of the post-burn reward.
; rewardfee=1/10

; The burned fraction of every reward.
; burnfee=3/10

; The balance staked for the pool account when the database is created.  It
; must match the validator balance at that time.
; initialbalance=

; The interval between reward settlements.
; pinginterval=1m

; ------------------------------------------------------------------------------
; API settings
; ------------------------------------------------------------------------------
; The address the API listens on.
; apilisten=

; The bearer token the relayer authenticates with.  Pool operations are
; unauthenticated when unset.
; relayertoken=
`
