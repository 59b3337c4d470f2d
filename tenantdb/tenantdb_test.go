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
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TenantDB/TenantDB/internal/util/teststress"
	"github.com/TenantDB/TenantDB/internal/util/testutil"
)

// newManager is a test helper that creates a manager
// with an in-memory registry and the given cache capacity.
func newManager(t *testing.T, capacity int) *Manager {
	t.Helper()

	m, err := New(&Config{
		RegistryURI:   "file:master.sqlite?mode=memory",
		CacheCapacity: capacity,
		Logger:        testutil.Logger(t),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// get before add is not an error
	conn, err := m.GetConnection(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, conn)

	require.NoError(t, m.AddTenant(ctx, "alpha", nil))
	require.NoError(t, m.AddTenant(ctx, "beta", pointer.To(testutil.TenantPath(t, "beta"))))

	n, err = m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	conn, err = m.GetConnection(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, conn)

	_, err = conn.ExecContext(ctx, "CREATE TABLE items (v TEXT NOT NULL)")
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "INSERT INTO items (v) VALUES (?)", "one")
	require.NoError(t, err)

	// another handle for the same tenant shares the connection and sees the write
	other, err := m.GetConnection(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, other)

	var v string
	err = other.QueryRowContext(ctx, "SELECT v FROM items").Scan(&v)
	require.NoError(t, err)
	assert.Equal(t, "one", v)

	require.NoError(t, conn.Close())
	require.NoError(t, other.Close())

	require.NoError(t, m.RemoveTenant(ctx, "alpha"))
	require.NoError(t, m.RemoveTenant(ctx, "beta"))

	n, err = m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManagerAddDuplicate(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	require.NoError(t, m.AddTenant(ctx, "alpha", nil))

	err := m.AddTenant(ctx, "alpha", pointer.To(testutil.TenantPath(t, "alpha")))
	assert.True(t, ErrorCodeIs(err, ErrorCodeTenantAlreadyExists), "%v", err)

	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManagerRemoveUnknown(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	err := m.RemoveTenant(ctx, "ghost")
	assert.True(t, ErrorCodeIs(err, ErrorCodeTenantNotFound), "%v", err)
}

func TestManagerRemoveBusy(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	require.NoError(t, m.AddTenant(ctx, "alpha", nil))

	conn, err := m.GetConnection(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, conn)

	err = m.RemoveTenant(ctx, "alpha")
	assert.True(t, ErrorCodeIs(err, ErrorCodeResourceBusy), "%v", err)

	// the registration and the cached connection survive the failed removal
	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.c.Len())

	require.NoError(t, conn.Close())
	require.NoError(t, m.RemoveTenant(ctx, "alpha"))
}

func TestManagerAddOpenFailure(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	err := m.AddTenant(ctx, "broken", pointer.To("/nonexistent/dir/broken.sqlite"))
	assert.True(t, ErrorCodeIs(err, ErrorCodeDatabase), "%v", err)

	// a failed add leaves no trace
	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	conn, err := m.GetConnection(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestManagerEvictionFileBacked(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 2)

	require.NoError(t, m.AddTenant(ctx, "a", pointer.To(testutil.TenantPath(t, "a"))))

	conn, err := m.GetConnection(ctx, "a")
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "CREATE TABLE items (v TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "INSERT INTO items (v) VALUES (?)", "kept")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// two more tenants push a out of the cache
	require.NoError(t, m.AddTenant(ctx, "b", pointer.To(testutil.TenantPath(t, "b"))))
	require.NoError(t, m.AddTenant(ctx, "c", pointer.To(testutil.TenantPath(t, "c"))))

	assert.Equal(t, 2, m.c.Len())

	// eviction does not unregister
	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// a file-backed tenant is reopened with its data intact
	conn, err = m.GetConnection(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, conn)

	var v string
	err = conn.QueryRowContext(ctx, "SELECT v FROM items").Scan(&v)
	require.NoError(t, err)
	assert.Equal(t, "kept", v)

	require.NoError(t, conn.Close())
}

func TestManagerEvictionMemoryBacked(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 1)

	require.NoError(t, m.AddTenant(ctx, "mem", nil))

	conn, err := m.GetConnection(ctx, "mem")
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "CREATE TABLE items (v TEXT NOT NULL)")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.NoError(t, m.AddTenant(ctx, "other", nil))

	// the reopened memory-backed tenant starts from an empty database
	conn, err = m.GetConnection(ctx, "mem")
	require.NoError(t, err)
	require.NotNil(t, conn)

	var n int
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'items'").Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, conn.Close())
}

func TestManagerConcurrentGetRemove(t *testing.T) {
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	require.NoError(t, m.AddTenant(ctx, "contested", nil))

	// readers and removers race over one tenant;
	// a returned handle must stay usable until closed,
	// and a removal must either succeed cleanly or report busy
	teststress.Stress(t, func(ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		for i := 0; i < 100; i++ {
			conn, err := m.GetConnection(ctx, "contested")
			require.NoError(t, err)

			if conn == nil {
				if err = m.AddTenant(ctx, "contested", nil); err != nil {
					require.True(t, ErrorCodeIs(err, ErrorCodeTenantAlreadyExists), "%v", err)
				}

				continue
			}

			var one int
			require.NoError(t, conn.QueryRowContext(ctx, "SELECT 1").Scan(&one))
			require.NoError(t, conn.Close())

			if err = m.RemoveTenant(ctx, "contested"); err != nil {
				require.True(t, ErrorCodeIs(err, ErrorCodeTenantNotFound, ErrorCodeResourceBusy), "%v", err)
			}
		}
	})
}

func TestManagerAddEmptyPath(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	// an empty path is not the same as no path; it must not open a memory-backed tenant
	err := m.AddTenant(ctx, "empty", pointer.To(""))
	assert.True(t, ErrorCodeIs(err, ErrorCodeDatabase), "%v", err)

	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	conn, err := m.GetConnection(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestManagerConcurrentAdd(t *testing.T) {
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	var added atomic.Int32

	teststress.Stress(t, func(ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		err := m.AddTenant(ctx, "contested", nil)
		if err == nil {
			added.Add(1)
			return
		}

		require.True(t, ErrorCodeIs(err, ErrorCodeTenantAlreadyExists), "%v", err)
	})

	assert.Equal(t, int32(1), added.Load())

	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManagerWarmLoad(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	uri := testutil.RegistryURI(t)

	m, err := New(&Config{
		RegistryURI:   uri,
		CacheCapacity: 2,
		Logger:        testutil.Logger(t),
	})
	require.NoError(t, err)

	require.NoError(t, m.AddTenant(ctx, "a", pointer.To(testutil.TenantPath(t, "a"))))
	require.NoError(t, m.AddTenant(ctx, "b", pointer.To(testutil.TenantPath(t, "b"))))
	require.NoError(t, m.AddTenant(ctx, "c", pointer.To(testutil.TenantPath(t, "c"))))
	m.Close()

	// only the oldest registrations fit into the cache
	m, err = New(&Config{
		RegistryURI:   uri,
		CacheCapacity: 2,
		WarmLoad:      true,
		Logger:        testutil.Logger(t),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	assert.Equal(t, 2, m.c.Len())
	assert.Equal(t, []string{"a", "b"}, m.c.List(ctx))

	n, err := m.TenantCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNewInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{
		RegistryURI:   "file:master.sqlite?mode=memory",
		CacheCapacity: -1,
	})
	assert.True(t, ErrorCodeIs(err, ErrorCodeConfiguration), "%v", err)

	_, err = New(&Config{
		RegistryURI: "not-a-file-uri",
	})
	assert.True(t, ErrorCodeIs(err, ErrorCodeConfiguration), "%v", err)
}

func TestConnInTransaction(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	m := newManager(t, 10)

	require.NoError(t, m.AddTenant(ctx, "alpha", nil))

	conn, err := m.GetConnection(ctx, "alpha")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, conn.Close()) })

	_, err = conn.ExecContext(ctx, "CREATE TABLE items (v TEXT NOT NULL)")
	require.NoError(t, err)

	err = conn.InTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO items (v) VALUES (?)", "committed")
		return err
	})
	require.NoError(t, err)

	// the callback's error rolls the transaction back and is returned unchanged
	errRollback := errors.New("rollback")
	err = conn.InTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (v) VALUES (?)", "discarded"); err != nil {
			return err
		}

		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	var n int
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
