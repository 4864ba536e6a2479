// Package model holds the supervision data model operations the
// correlator depends on: supervised items, raw events, aggregates and
// the topology closure.
//
// The production schema is owned by the platform's models module; the
// DDL embedded here targets the sqlite backend used by tests and
// single-node deployments, and mirrors the production tables.
package model

import (
	"github.com/jmoiron/sqlx"
)

// schema is the embedded sqlite DDL.
const schema = `
CREATE TABLE IF NOT EXISTS version (
	name    TEXT PRIMARY KEY,
	version TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS statename (
	idstatename INTEGER PRIMARY KEY,
	statename   TEXT NOT NULL UNIQUE,
	nominal     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS supitem (
	idsupitem   INTEGER PRIMARY KEY,
	hostname    TEXT NOT NULL,
	servicename TEXT NOT NULL,
	UNIQUE (hostname, servicename)
);

CREATE TABLE IF NOT EXISTS event (
	idevent       INTEGER PRIMARY KEY,
	idsupitem     INTEGER NOT NULL UNIQUE REFERENCES supitem (idsupitem),
	current_state INTEGER NOT NULL,
	message       TEXT NOT NULL DEFAULT '',
	timestamp     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS event_history (
	idhistory INTEGER PRIMARY KEY,
	idevent   INTEGER NOT NULL REFERENCES event (idevent),
	state     INTEGER NOT NULL,
	message   TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hls_history (
	idhistory INTEGER PRIMARY KEY,
	idsupitem INTEGER NOT NULL REFERENCES supitem (idsupitem),
	state     INTEGER NOT NULL,
	message   TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS correvent (
	idcorrevent      INTEGER PRIMARY KEY,
	idcause          INTEGER NOT NULL REFERENCES event (idevent),
	priority         INTEGER NOT NULL,
	trouble_ticket   TEXT,
	ack              INTEGER NOT NULL DEFAULT 0,
	occurrence       INTEGER NOT NULL DEFAULT 1,
	timestamp_active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS correvent_event (
	idcorrevent INTEGER NOT NULL REFERENCES correvent (idcorrevent),
	idevent     INTEGER NOT NULL REFERENCES event (idevent),
	PRIMARY KEY (idcorrevent, idevent)
);

CREATE TABLE IF NOT EXISTS dependency_group (
	idgroup     INTEGER PRIMARY KEY,
	iddependent INTEGER NOT NULL REFERENCES supitem (idsupitem),
	role        TEXT NOT NULL,
	operator    TEXT NOT NULL DEFAULT '|'
);

CREATE TABLE IF NOT EXISTS dependency (
	idgroup   INTEGER NOT NULL REFERENCES dependency_group (idgroup),
	idsupitem INTEGER NOT NULL REFERENCES supitem (idsupitem),
	distance  INTEGER NOT NULL,
	PRIMARY KEY (idgroup, idsupitem)
);
`

// stateNames is the standard state set, seeded at init. Nominal states
// never open aggregates.
var stateNames = []struct {
	ID      int64
	Name    string
	Nominal bool
}{
	{1, "OK", true},
	{2, "UP", true},
	{3, "WARNING", false},
	{4, "CRITICAL", false},
	{5, "UNKNOWN", false},
	{6, "DOWN", false},
	{7, "UNREACHABLE", false},
}

// InitSchema creates the embedded schema and seeds the state names and
// the version row. Idempotent.
func InitSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, sn := range stateNames {
		nominal := 0
		if sn.Nominal {
			nominal = 1
		}
		_, err := db.Exec(db.Rebind(
			"INSERT OR IGNORE INTO statename (idstatename, statename, nominal) VALUES (?, ?, ?)"),
			sn.ID, sn.Name, nominal)
		if err != nil {
			return err
		}
	}
	_, err := db.Exec(db.Rebind(
		"INSERT OR IGNORE INTO version (name, version) VALUES (?, ?)"),
		"correlator", "1")
	return err
}
