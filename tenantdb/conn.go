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

package tenantdb

import (
	"context"
	"database/sql"

	"github.com/TenantDB/TenantDB/internal/conncache"
	"github.com/TenantDB/TenantDB/internal/util/fsql"
	"github.com/TenantDB/TenantDB/internal/util/resource"
)

// Conn is a handle to a single tenant's database connection.
//
// Handles returned for the same tenant share one engine connection:
// a write through one handle is visible through the others.
// Close releases this handle's reference;
// the engine connection closes when the last holder releases it.
type Conn struct {
	c     *conncache.Conn
	token *resource.Token
}

// newConn creates a handle over the shared connection.
//
// It takes over one reference of c.
func newConn(c *conncache.Conn) *Conn {
	res := &Conn{
		c:     c,
		token: resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// Close releases the handle.
//
// The tenant stays registered and cached; only this holder's reference is dropped.
func (c *Conn) Close() error {
	resource.Untrack(c, c.token)

	if err := c.c.Release(); err != nil {
		return NewError(ErrorCodeDatabase, err)
	}

	return nil
}

// ExecContext executes a query without returning any rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.c.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, NewError(ErrorCodeDatabase, err)
	}

	return res, nil
}

// QueryContext executes a query that returns rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.c.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewError(ErrorCodeDatabase, err)
	}

	return rows, nil
}

// QueryRowContext executes a query that returns at most one row.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.c.DB().QueryRowContext(ctx, query, args...)
}

// InTransaction wraps the given function f in a transaction on the tenant's database.
//
// If f returns an error or context is canceled, the transaction is rolled back,
// and f's error is returned unchanged.
// Engine-level begin and commit failures are reported as ErrorCodeDatabase.
func (c *Conn) InTransaction(ctx context.Context, f func(*sql.Tx) error) error {
	var ferr error

	err := c.c.DB().InTransaction(ctx, func(tx *fsql.Tx) error {
		ferr = f(tx.SQLTx())
		return ferr
	})

	switch {
	case err == nil:
		return nil
	case err == ferr: //nolint:errorlint // f's error is returned unchanged
		return err
	default:
		return NewError(ErrorCodeDatabase, err)
	}
}
