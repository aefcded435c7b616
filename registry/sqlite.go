// Copyright 2022 The beacon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	// SQLite driver
	_ "modernc.org/sqlite"
)

const clientTableSchema = `
CREATE TABLE IF NOT EXISTS clients (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT    NOT NULL,
	ip_address     TEXT    NOT NULL DEFAULT '',
	version        TEXT    NOT NULL DEFAULT '',
	status         TEXT    NOT NULL DEFAULT 'offline',
	last_heartbeat INTEGER,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clients_status ON clients (status);
`

const clientColumns = `id, name, ip_address, version, status, last_heartbeat, created_at, updated_at`

// sqliteRegistryImpl implements Registry on a SQLite database
type sqliteRegistryImpl struct {
	common.Component
	db       *sql.DB
	locks    *clientLocks
	validate *validator.Validate
}

// GetSQLiteRegistry open (or create) a SQLite backed Registry
func GetSQLiteRegistry(ctxt context.Context, dbPath string, instance string) (Registry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "sqlite", "instance": instance, "db": dbPath,
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to create database directory")
			return nil, err
		}
	}

	// Pragmas are given per connection so every pooled connection gets them
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_txlock", "immediate")
	dsn := fmt.Sprintf("file:%s?%s", dbPath, params.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, err
	}
	if _, err := db.ExecContext(ctxt, clientTableSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare client table")
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened client registry")
	return &sqliteRegistryImpl{
		Component: common.Component{LogTags: logTags},
		db:        db,
		locks:     newClientLocks(),
		validate:  validator.New(),
	}, nil
}

// rowScanner common interface of sql.Row and sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClient(row rowScanner) (models.ClientRecord, error) {
	var record models.ClientRecord
	var status string
	var lastHeartbeat sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Address,
		&record.Version,
		&status,
		&lastHeartbeat,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.ClientRecord{}, err
	}
	record.Status = models.ClientStatus(status)
	if lastHeartbeat.Valid {
		ts := time.Unix(0, lastHeartbeat.Int64).UTC()
		record.LastHeartbeat = &ts
	}
	record.CreatedAt = time.Unix(0, createdAt).UTC()
	record.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return record, nil
}

func heartbeatColumn(record models.ClientRecord) sql.NullInt64 {
	if record.LastHeartbeat == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: record.LastHeartbeat.UnixNano(), Valid: true}
}

// Register store a new client record. The ID is assigned if not provided.
func (r *sqliteRegistryImpl) Register(
	ctxt context.Context, record models.ClientRecord,
) (models.ClientRecord, error) {
	if record.Status == "" {
		record.Status = models.ClientStatusOffline
	}
	if err := r.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Invalid client record")
		return models.ClientRecord{}, common.ValidationError("client record: %s", err.Error())
	}

	tx, err := r.db.BeginTx(ctxt, nil)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start transaction")
		return models.ClientRecord{}, common.TransientStorageError("register client", err)
	}
	defer func() { _ = tx.Rollback() }()

	if record.ID != 0 {
		var count int
		if err := tx.QueryRowContext(
			ctxt, `SELECT COUNT(*) FROM clients WHERE id = ?`, record.ID,
		).Scan(&count); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to check client %d", record.ID)
			return models.ClientRecord{}, common.TransientStorageError("register client", err)
		}
		if count > 0 {
			return models.ClientRecord{}, common.ValidationError("client %d already registered", record.ID)
		}
	}

	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	var result sql.Result
	if record.ID != 0 {
		result, err = tx.ExecContext(
			ctxt,
			`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.Name, record.Address, record.Version, string(record.Status),
			heartbeatColumn(record), now.UnixNano(), now.UnixNano(),
		)
	} else {
		result, err = tx.ExecContext(
			ctxt,
			`INSERT INTO clients (name, ip_address, version, status, last_heartbeat, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			record.Name, record.Address, record.Version, string(record.Status),
			heartbeatColumn(record), now.UnixNano(), now.UnixNano(),
		)
	}
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to insert %s", record)
		return models.ClientRecord{}, common.TransientStorageError("register client", err)
	}
	if record.ID == 0 {
		if record.ID, err = result.LastInsertId(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unable to read assigned client ID")
			return models.ClientRecord{}, common.TransientStorageError("register client", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to commit %s", record)
		return models.ClientRecord{}, common.TransientStorageError("register client", err)
	}
	log.WithFields(r.LogTags).Debugf("Registered %s", record)
	return record, nil
}

// Get fetch one client record
func (r *sqliteRegistryImpl) Get(ctxt context.Context, clientID int64) (models.ClientRecord, error) {
	record, err := scanClient(r.db.QueryRowContext(
		ctxt, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, clientID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ClientRecord{}, common.NotFoundError("client %d", clientID)
		}
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to read client %d", clientID)
		return models.ClientRecord{}, common.TransientStorageError("get client", err)
	}
	return record, nil
}

func (r *sqliteRegistryImpl) query(
	ctxt context.Context, op string, query string, args ...interface{},
) ([]models.ClientRecord, error) {
	rows, err := r.db.QueryContext(ctxt, query, args...)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to %s", op)
		return nil, common.TransientStorageError(op, err)
	}
	defer func() { _ = rows.Close() }()
	result := []models.ClientRecord{}
	for rows.Next() {
		record, err := scanClient(rows)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to parse row during %s", op)
			return nil, common.TransientStorageError(op, err)
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Row iteration failed during %s", op)
		return nil, common.TransientStorageError(op, err)
	}
	return result, nil
}

// List fetch all client records
func (r *sqliteRegistryImpl) List(ctxt context.Context) ([]models.ClientRecord, error) {
	return r.query(ctxt, "list clients", `SELECT `+clientColumns+` FROM clients ORDER BY id`)
}

// ListByStatus fetch all client records with a particular status
func (r *sqliteRegistryImpl) ListByStatus(
	ctxt context.Context, status models.ClientStatus,
) ([]models.ClientRecord, error) {
	return r.query(
		ctxt,
		"list clients by status",
		`SELECT `+clientColumns+` FROM clients WHERE status = ? ORDER BY id`,
		string(status),
	)
}

// Update read-modify-write one client record as one transaction
func (r *sqliteRegistryImpl) Update(
	ctxt context.Context, clientID int64, mutator ClientMutator,
) (UpdateResult, error) {
	release := r.locks.acquire(clientID)
	defer release()

	tx, err := r.db.BeginTx(ctxt, nil)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to start update of client %d", clientID)
		return UpdateResult{}, common.TransientStorageError("update client", err)
	}
	defer func() { _ = tx.Rollback() }()

	previous, err := scanClient(tx.QueryRowContext(
		ctxt, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, clientID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UpdateResult{}, common.NotFoundError("client %d", clientID)
		}
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to read client %d", clientID)
		return UpdateResult{}, common.TransientStorageError("update client", err)
	}

	current := previous.Copy()
	write, err := mutator(&current)
	if err != nil {
		return UpdateResult{Previous: previous, Current: previous}, err
	}
	if !write {
		return UpdateResult{Previous: previous, Current: previous}, nil
	}
	current.ID = previous.ID
	current.CreatedAt = previous.CreatedAt
	current.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(
		ctxt,
		`UPDATE clients SET name = ?, ip_address = ?, version = ?, status = ?,
		last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		current.Name, current.Address, current.Version, string(current.Status),
		heartbeatColumn(current), current.UpdatedAt.UnixNano(), clientID,
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to write %s", current)
		return UpdateResult{}, common.TransientStorageError("update client", err)
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to commit %s", current)
		return UpdateResult{}, common.TransientStorageError("update client", err)
	}
	return UpdateResult{Previous: previous, Current: current, Written: true}, nil
}

// Close release the registry resources
func (r *sqliteRegistryImpl) Close() error {
	log.WithFields(r.LogTags).Info("Closing client registry")
	return r.db.Close()
}
