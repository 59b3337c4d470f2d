// Copyright 2021 FerretDB Inc.
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

package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/TenantDB/TenantDB/internal/util/fsql"
	"github.com/TenantDB/TenantDB/internal/util/lazyerrors"
	"github.com/TenantDB/TenantDB/internal/util/observability"
)

// Registry errors.
var (
	// ErrTenantAlreadyExists is returned by Insert when the engine's
	// uniqueness constraint rejects the tenant id.
	ErrTenantAlreadyExists = errors.New("tenant already exists")

	// ErrTenantNotFound is returned by Delete when no row was affected.
	ErrTenantNotFound = errors.New("tenant not found")
)

// Registry provides access to the master tenants table
// through one dedicated engine connection.
//
// Exported methods are safe for concurrent use.
type Registry struct {
	db *fsql.DB
	l  *zap.Logger
}

// NewRegistry opens or creates the master database at the given SQLite URI
// and ensures the tenants table exists.
func NewRegistry(u string, l *zap.Logger) (*Registry, error) {
	uri, err := parseURI(u)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQLite URI %q: %s", u, err)
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	// one dedicated engine connection; transactions depend on it
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	r := &Registry{
		db: fsql.WrapDB(db, "master", l),
		l:  l,
	}

	if err = r.init(context.Background()); err != nil {
		r.Close()
		return nil, lazyerrors.Error(err)
	}

	return r, nil
}

// init creates the tenants table if it is absent.
// It is safe to run on every startup.
func (r *Registry) init(ctx context.Context) error {
	q := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %q ("+
			"id INTEGER PRIMARY KEY AUTOINCREMENT, "+
			"tenant_id TEXT NOT NULL UNIQUE, "+
			"tenant_path TEXT, "+
			"tenant_has_path INTEGER NOT NULL DEFAULT 0, "+
			"created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP"+
			")",
		tableName,
	)

	return r.db.InTransaction(ctx, func(tx *fsql.Tx) error {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
	})
}

// Close closes the master database connection.
func (r *Registry) Close() {
	_ = r.db.Close()
}

// Insert adds a tenant record in a transaction.
//
// The table's uniqueness constraint, not an application-level pre-check,
// is what rejects duplicates; that closes the check-then-insert race
// between concurrent calls.
// ErrTenantAlreadyExists is returned when the engine reports a violation.
func (r *Registry) Insert(ctx context.Context, t *Tenant) error {
	defer observability.FuncCall(ctx)()

	q := fmt.Sprintf("INSERT INTO %q (tenant_id, tenant_path, tenant_has_path) VALUES (?, ?, ?)", tableName)

	err := r.db.InTransaction(ctx, func(tx *fsql.Tx) error {
		_, err := tx.ExecContext(ctx, q, t.TenantID, t.Path, t.HasPath)
		return err
	})

	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE {
		return ErrTenantAlreadyExists
	}

	if err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// Delete removes a tenant record in a transaction.
//
// ErrTenantNotFound is returned when no row was affected,
// not merely when the engine reports no error.
func (r *Registry) Delete(ctx context.Context, tenantID string) error {
	defer observability.FuncCall(ctx)()

	q := fmt.Sprintf("DELETE FROM %q WHERE tenant_id = ?", tableName)

	return r.db.InTransaction(ctx, func(tx *fsql.Tx) error {
		res, err := tx.ExecContext(ctx, q, tenantID)
		if err != nil {
			return lazyerrors.Error(err)
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return lazyerrors.Error(err)
		}

		if ra == 0 {
			return ErrTenantNotFound
		}

		return nil
	})
}

// Select returns the tenant record, or nil if the tenant is not registered.
func (r *Registry) Select(ctx context.Context, tenantID string) (*Tenant, error) {
	defer observability.FuncCall(ctx)()

	q := fmt.Sprintf(
		"SELECT id, tenant_id, tenant_path, tenant_has_path, created_at FROM %q WHERE tenant_id = ?",
		tableName,
	)

	var t Tenant

	err := r.db.QueryRowContext(ctx, q, tenantID).Scan(&t.ID, &t.TenantID, &t.Path, &t.HasPath, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, lazyerrors.Error(err)
	}

	return &t, nil
}

// LoadAll returns all tenant records in insertion order.
func (r *Registry) LoadAll(ctx context.Context) ([]*Tenant, error) {
	defer observability.FuncCall(ctx)()

	q := fmt.Sprintf(
		"SELECT id, tenant_id, tenant_path, tenant_has_path, created_at FROM %q ORDER BY id",
		tableName,
	)

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}
	defer rows.Close()

	var res []*Tenant

	for rows.Next() {
		var t Tenant

		if err = rows.Scan(&t.ID, &t.TenantID, &t.Path, &t.HasPath, &t.CreatedAt); err != nil {
			return nil, lazyerrors.Error(err)
		}

		res = append(res, &t)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// Count returns the authoritative number of registered tenants.
func (r *Registry) Count(ctx context.Context) (int, error) {
	defer observability.FuncCall(ctx)()

	q := fmt.Sprintf("SELECT COUNT(*) FROM %q", tableName)

	var res int

	if err := r.db.QueryRowContext(ctx, q).Scan(&res); err != nil {
		return 0, lazyerrors.Error(err)
	}

	return res, nil
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.db.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Registry)(nil)
)
