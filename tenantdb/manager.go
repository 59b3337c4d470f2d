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
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TenantDB/TenantDB/internal/conncache"
	"github.com/TenantDB/TenantDB/internal/metadata"
	"github.com/TenantDB/TenantDB/internal/util/lazyerrors"
	"github.com/TenantDB/TenantDB/internal/util/observability"
	"github.com/TenantDB/TenantDB/internal/util/resource"
)

// Manager owns the registry and the connection cache
// and keeps them consistent under concurrent use.
//
// Exported methods are safe for concurrent use.
type Manager struct {
	r *metadata.Registry
	c *conncache.Cache
	l *zap.Logger

	// rw guards registry and cache mutations together:
	// the registry's transaction is the durability boundary,
	// this lock is the uniqueness boundary,
	// and add/remove must hold both.
	rw sync.RWMutex

	token *resource.Token
}

// AddTenant registers a new tenant and opens its connection.
//
// If path is nil, the tenant is memory-backed:
// its data does not outlive the open connection.
//
// The registry row is written and committed first;
// only then is the connection cached.
// A duplicate id is rejected with ErrorCodeTenantAlreadyExists
// by the registry's own uniqueness constraint.
func (m *Manager) AddTenant(ctx context.Context, tenantID string, path *string) error {
	defer observability.FuncCall(ctx)()

	// an explicitly given path must not alias the in-memory marker
	if path != nil && *path == "" {
		return NewError(ErrorCodeDatabase, lazyerrors.New("tenant path is empty"))
	}

	m.rw.Lock()
	defer m.rw.Unlock()

	t := &metadata.Tenant{
		TenantID: tenantID,
		HasPath:  path != nil,
	}
	if path != nil {
		t.Path = *path
	}

	conn, err := conncache.Open(t.Path, m.l)
	if err != nil {
		return NewError(ErrorCodeDatabase, err)
	}

	if err = m.r.Insert(ctx, t); err != nil {
		if rerr := conn.Release(); rerr != nil {
			m.l.Warn("Failed to release connection.", zap.String("tenant", tenantID), zap.Error(rerr))
		}

		if errors.Is(err, metadata.ErrTenantAlreadyExists) {
			return NewError(ErrorCodeTenantAlreadyExists, err)
		}

		m.l.Debug("Failed to commit tenant registration.", zap.String("tenant", tenantID), zap.Error(err))

		return NewError(ErrorCodeDatabase, err)
	}

	// The tenant is durably registered at this point;
	// even if caching failed, it would be recoverable on the next GetConnection.
	m.c.Put(ctx, tenantID, conn)

	m.l.Info("Tenant added.", zap.String("tenant", tenantID), zap.Bool("memory", path == nil))

	return nil
}

// RemoveTenant closes the tenant's connection and deletes its registry row.
//
// An unregistered tenant is rejected with ErrorCodeTenantNotFound.
// If other holders still share the live connection,
// the whole operation fails with ErrorCodeResourceBusy
// and the registry row is kept:
// a tenant must never end up unregistered with a dangling open handle.
func (m *Manager) RemoveTenant(ctx context.Context, tenantID string) error {
	defer observability.FuncCall(ctx)()

	m.rw.Lock()
	defer m.rw.Unlock()

	if conn := m.c.Pop(ctx, tenantID); conn != nil {
		if err := conn.CloseExclusive(); err != nil {
			m.c.Put(ctx, tenantID, conn)
			return NewError(ErrorCodeResourceBusy, err)
		}
	}

	if err := m.r.Delete(ctx, tenantID); err != nil {
		if errors.Is(err, metadata.ErrTenantNotFound) {
			return NewError(ErrorCodeTenantNotFound, err)
		}

		m.l.Debug("Failed to commit tenant removal.", zap.String("tenant", tenantID), zap.Error(err))

		return NewError(ErrorCodeDatabase, err)
	}

	m.l.Info("Tenant removed.", zap.String("tenant", tenantID))

	return nil
}

// GetConnection returns a handle to the tenant's connection,
// or nil if the tenant is not registered.
//
// A cache miss for a registered tenant reopens the connection
// from the registry record and repopulates the cache,
// possibly evicting the least recently used entry.
// For a memory-backed tenant that means a fresh empty database;
// the previous data is gone.
//
// The caller should Close the returned handle when done with it.
func (m *Manager) GetConnection(ctx context.Context, tenantID string) (*Conn, error) {
	defer observability.FuncCall(ctx)()

	// The extra reference must be taken while the lock is held;
	// after RUnlock a concurrent RemoveTenant could close a connection
	// that the cache no longer protects.
	m.rw.RLock()
	conn := m.c.Get(ctx, tenantID)
	if conn != nil {
		conn = conn.Clone()
	}
	m.rw.RUnlock()

	if conn != nil {
		return newConn(conn), nil
	}

	m.rw.Lock()
	defer m.rw.Unlock()

	// it might have been reloaded by a concurrent call
	if conn = m.c.Get(ctx, tenantID); conn != nil {
		return newConn(conn.Clone()), nil
	}

	t, err := m.r.Select(ctx, tenantID)
	if err != nil {
		return nil, NewError(ErrorCodeDatabase, err)
	}

	if t == nil {
		return nil, nil
	}

	if t.MemoryBacked() {
		m.l.Warn(
			"Reopening memory-backed tenant; previous data is not recoverable.",
			zap.String("tenant", tenantID),
		)
	} else {
		m.l.Warn("Tenant not cached; reloading from the registry.", zap.String("tenant", tenantID))
	}

	if conn, err = m.openTenant(t); err != nil {
		return nil, NewError(ErrorCodeDatabase, err)
	}

	m.c.Put(ctx, tenantID, conn)

	return newConn(conn.Clone()), nil
}

// TenantCount returns the number of registered tenants.
//
// The registry, not the cache, is authoritative:
// eviction can shrink the cache below the true tenant count.
func (m *Manager) TenantCount(ctx context.Context) (int, error) {
	defer observability.FuncCall(ctx)()

	m.rw.RLock()
	defer m.rw.RUnlock()

	n, err := m.r.Count(ctx)
	if err != nil {
		return 0, NewError(ErrorCodeDatabase, err)
	}

	return n, nil
}

// Close releases all cached connections and closes the master database.
//
// Handles already returned by GetConnection stay usable
// until their holders close them.
func (m *Manager) Close() {
	m.rw.Lock()
	defer m.rw.Unlock()

	m.c.Close()
	m.r.Close()

	resource.Untrack(m, m.token)
}

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

// Collect implements prometheus.Collector.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	m.r.Collect(ch)
	m.c.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Manager)(nil)
)
