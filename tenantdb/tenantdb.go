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

// Package tenantdb provides an embeddable multi-tenant SQLite connection manager.
//
// Every tenant gets its own isolated database connection,
// identified by an opaque caller-supplied tenant id.
// Tenant existence and connection parameters are recorded durably
// in the master database (the registry);
// open connections are kept in a bounded in-memory cache
// with least-recently-used eviction.
// An evicted tenant stays registered
// and its connection is transparently reopened on the next access.
//
// Memory-backed tenants are a documented exception:
// their data lives only for the lifetime of the open connection,
// so eviction or process end loses it,
// and the next access gets a fresh empty database.
package tenantdb

import (
	"context"

	"go.uber.org/zap"

	"github.com/TenantDB/TenantDB/internal/conncache"
	"github.com/TenantDB/TenantDB/internal/metadata"
	"github.com/TenantDB/TenantDB/internal/util/lazyerrors"
	"github.com/TenantDB/TenantDB/internal/util/resource"
)

// DefaultCacheCapacity is the cache capacity used when Config.CacheCapacity is 0.
const DefaultCacheCapacity = 150

// Config represents manager configuration.
type Config struct {
	// Master database URI, e.g. `file:state/master.sqlite`
	// or `file:master.sqlite?mode=memory`.
	RegistryURI string

	// Maximum number of open tenant connections kept in the cache.
	// If zero, DefaultCacheCapacity is used.
	// Negative values are rejected with ErrorCodeConfiguration.
	CacheCapacity int

	// Open connections for all registered tenants on startup,
	// up to the cache capacity, in registration order.
	WarmLoad bool

	// Logger used by the manager and all its components.
	// If nil, logging is disabled.
	//
	// See the logging package for a ready-made zap setup
	// with an optional log file.
	Logger *zap.Logger
}

// New creates a fully-initialized manager.
//
// It opens or creates the master database, ensures its schema,
// and optionally warm-loads tenant connections.
// Any failure is fatal and reported as ErrorCodeConfiguration:
// a half-initialized manager is never returned.
func New(config *Config) (*Manager, error) {
	capacity := config.CacheCapacity
	if capacity == 0 {
		capacity = DefaultCacheCapacity
	}

	if capacity < 1 {
		return nil, NewError(ErrorCodeConfiguration, lazyerrors.Errorf("invalid cache capacity %d", config.CacheCapacity))
	}

	l := config.Logger
	if l == nil {
		l = zap.NewNop()
	}

	r, err := metadata.NewRegistry(config.RegistryURI, l.Named("registry"))
	if err != nil {
		return nil, NewError(ErrorCodeConfiguration, err)
	}

	c, err := conncache.NewCache(capacity, l.Named("conncache"))
	if err != nil {
		r.Close()
		return nil, NewError(ErrorCodeConfiguration, err)
	}

	m := &Manager{
		r:     r,
		c:     c,
		l:     l,
		token: resource.NewToken(),
	}

	resource.Track(m, m.token)

	if config.WarmLoad {
		if err = m.warmLoad(context.Background(), capacity); err != nil {
			m.Close()
			return nil, NewError(ErrorCodeConfiguration, err)
		}
	}

	l.Info("Manager initialized.", zap.Int("capacity", capacity))

	return m, nil
}

// warmLoad opens connections for registered tenants, oldest registration first.
//
// A tenant whose database can't be opened is skipped with a warning;
// it will be retried on the next GetConnection.
func (m *Manager) warmLoad(ctx context.Context, capacity int) error {
	tenants, err := m.r.LoadAll(ctx)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if len(tenants) > capacity {
		tenants = tenants[:capacity]
	}

	for _, t := range tenants {
		conn, err := m.openTenant(t)
		if err != nil {
			m.l.Warn("Failed to warm-load tenant connection.", zap.String("tenant", t.TenantID), zap.Error(err))
			continue
		}

		m.c.Put(ctx, t.TenantID, conn)
	}

	return nil
}

// openTenant opens a connection described by the tenant record.
func (m *Manager) openTenant(t *metadata.Tenant) (*conncache.Conn, error) {
	if t.MemoryBacked() {
		return conncache.Open("", m.l)
	}

	// a file-backed record with an empty path must not silently become memory-backed
	if t.Path == "" {
		return nil, lazyerrors.Errorf("tenant %q has no path", t.TenantID)
	}

	return conncache.Open(t.Path, m.l)
}
