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

// Package conncache provides shared tenant connections
// and a bounded cache of them with least-recently-used eviction.
//
// It should be used only by the tenantdb package.
package conncache

import (
	"database/sql"
	"errors"
	"net/url"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/TenantDB/TenantDB/internal/util/fsql"
	"github.com/TenantDB/TenantDB/internal/util/lazyerrors"
	"github.com/TenantDB/TenantDB/internal/util/resource"
)

// memoryURI opens a fresh in-memory database private to its connection.
//
// Without cache=shared, every connection to such URI gets its own database,
// so tenants never observe each other's data.
// See https://www.sqlite.org/inmemorydb.html.
const memoryURI = "file:tenant?mode=memory"

// ErrConnBusy is returned by CloseExclusive when other holders still share the connection.
var ErrConnBusy = errors.New("connection is shared by other holders")

// Conn is a reference-counted shared handle to a single SQLite connection.
//
// All clones share the same underlying engine connection:
// a write through one handle is visible through every other.
// The engine connection is closed when the last reference is released.
type Conn struct {
	db     *fsql.DB
	memory bool
	refs   atomic.Int32
	token  *resource.Token
}

// Open opens an existing tenant database file or creates a new one.
//
// If path is empty, a fresh private in-memory database is opened instead;
// its data does not outlive the connection.
func Open(path string, l *zap.Logger) (*Conn, error) {
	uri := memoryURI
	name := "memory"

	if path != "" {
		uri = fileURI(path)
		name = filepath.Base(path)
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	// Pin a single engine connection for the lifetime of the handle.
	// That makes writes through one clone visible through the others,
	// and keeps a private in-memory database alive between queries.
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	c := &Conn{
		db:     fsql.WrapDB(db, name, l),
		memory: path == "",
		token:  resource.NewToken(),
	}
	c.refs.Store(1)

	resource.Track(c, c.token)

	return c, nil
}

// fileURI returns a SQLite URI for the given database file path.
func fileURI(path string) string {
	values := url.Values{}
	values.Add("_pragma", "busy_timeout(10000)")
	values.Add("_pragma", "journal_mode(wal)")

	uri := &url.URL{
		Scheme:   "file",
		Opaque:   filepath.ToSlash(path),
		RawQuery: values.Encode(),
	}

	return uri.String()
}

// DB returns the shared database handle.
func (c *Conn) DB() *fsql.DB {
	return c.db
}

// Memory reports whether the connection is memory-backed.
func (c *Conn) Memory() bool {
	return c.memory
}

// Clone returns the same shared handle with an additional reference.
func (c *Conn) Clone() *Conn {
	if c.refs.Add(1) <= 1 {
		panic("clone of a released connection")
	}

	return c
}

// Release drops one reference.
// The engine connection is closed when the last reference is released.
func (c *Conn) Release() error {
	refs := c.refs.Add(-1)

	switch {
	case refs == 0:
		resource.Untrack(c, c.token)
		return c.db.Close()
	case refs < 0:
		panic("connection released more times than it was acquired")
	}

	return nil
}

// CloseExclusive closes the engine connection
// if the caller holds the only reference.
//
// It returns ErrConnBusy, keeping the connection open,
// when other holders remain.
func (c *Conn) CloseExclusive() error {
	if !c.refs.CompareAndSwap(1, 0) {
		return ErrConnBusy
	}

	resource.Untrack(c, c.token)

	return c.db.Close()
}

// InUse reports whether more than one holder shares the connection.
func (c *Conn) InUse() bool {
	return c.refs.Load() > 1
}
