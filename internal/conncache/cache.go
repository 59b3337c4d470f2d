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

package conncache

import (
	"container/list"
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/TenantDB/TenantDB/internal/util/lazyerrors"
	"github.com/TenantDB/TenantDB/internal/util/observability"
	"github.com/TenantDB/TenantDB/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "tenantdb"
	subsystem = "conncache"
)

// Cache is a bounded mapping of tenant ids to open connections
// with strict least-recently-used eviction.
//
// Exported methods are safe for concurrent use.
type Cache struct {
	l        *zap.Logger
	capacity int

	m     sync.Mutex
	elems map[string]*list.Element
	order *list.List // least recently used first; ties are impossible as the order is total

	hits      float64
	misses    float64
	evictions float64

	token *resource.Token
}

// entry is a single cache element.
type entry struct {
	id   string
	conn *Conn
}

// NewCache creates a cache holding up to capacity connections.
//
// Capacity must be at least 1.
func NewCache(capacity int, l *zap.Logger) (*Cache, error) {
	if capacity < 1 {
		return nil, lazyerrors.Errorf("capacity must be at least 1, got %d", capacity)
	}

	c := &Cache{
		l:        l,
		capacity: capacity,
		elems:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		token:    resource.NewToken(),
	}

	resource.Track(c, c.token)

	return c, nil
}

// Get returns the cached connection, marking it most recently used,
// or nil if the tenant is not cached.
func (c *Cache) Get(ctx context.Context, id string) *Conn {
	defer observability.FuncCall(ctx)()

	c.m.Lock()
	defer c.m.Unlock()

	el, ok := c.elems[id]
	if !ok {
		c.misses++
		return nil
	}

	c.hits++
	c.order.MoveToBack(el)

	return el.Value.(*entry).conn
}

// Put inserts the connection, releasing the previously cached one for the same id, if any.
//
// If the id is new and the cache is at capacity,
// the least recently used connection is evicted and its reference released;
// the engine connection closes only when no other holders remain.
func (c *Cache) Put(ctx context.Context, id string, conn *Conn) {
	defer observability.FuncCall(ctx)()

	c.m.Lock()
	defer c.m.Unlock()

	if el, ok := c.elems[id]; ok {
		e := el.Value.(*entry)

		if e.conn != conn {
			if err := e.conn.Release(); err != nil {
				c.l.Warn("Failed to release replaced connection.", zap.String("tenant", id), zap.Error(err))
			}

			e.conn = conn
		}

		c.order.MoveToBack(el)

		return
	}

	if c.order.Len() >= c.capacity {
		c.evict(c.order.Front())
	}

	c.elems[id] = c.order.PushBack(&entry{
		id:   id,
		conn: conn,
	})
}

// Pop removes and returns the cached connection, or nil if the tenant is not cached.
//
// It is an explicit removal, not an eviction;
// ownership of the cache's reference moves to the caller.
func (c *Cache) Pop(ctx context.Context, id string) *Conn {
	defer observability.FuncCall(ctx)()

	c.m.Lock()
	defer c.m.Unlock()

	el, ok := c.elems[id]
	if !ok {
		return nil
	}

	delete(c.elems, id)
	c.order.Remove(el)

	return el.Value.(*entry).conn
}

// evict removes the given element and releases its connection.
//
// It must be called with c.m held.
func (c *Cache) evict(el *list.Element) {
	e := el.Value.(*entry)

	delete(c.elems, e.id)
	c.order.Remove(el)
	c.evictions++

	if err := e.conn.Release(); err != nil {
		c.l.Warn("Failed to release evicted connection.", zap.String("tenant", e.id), zap.Error(err))
	}

	c.l.Debug("Connection evicted.", zap.String("tenant", e.id))
}

// Len returns the number of cached connections.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()

	return c.order.Len()
}

// List returns a sorted list of cached tenant ids.
func (c *Cache) List(ctx context.Context) []string {
	defer observability.FuncCall(ctx)()

	c.m.Lock()
	defer c.m.Unlock()

	res := maps.Keys(c.elems)
	slices.Sort(res)

	return res
}

// Close releases all cached connections and frees all resources.
func (c *Cache) Close() {
	c.m.Lock()
	defer c.m.Unlock()

	for _, el := range c.elems {
		e := el.Value.(*entry)

		if err := e.conn.Release(); err != nil {
			c.l.Warn("Failed to release connection.", zap.String("tenant", e.id), zap.Error(err))
		}
	}

	c.elems = nil
	c.order.Init()

	resource.Untrack(c, c.token)
}

// Describe implements prometheus.Collector.
func (c *Cache) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Cache) Collect(ch chan<- prometheus.Metric) {
	c.m.Lock()
	defer c.m.Unlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "size"),
			"The current number of cached connections.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(c.order.Len()),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "capacity"),
			"The maximum number of cached connections.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(c.capacity),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "hits_total"),
			"The total number of cache hits.",
			nil, nil,
		),
		prometheus.CounterValue,
		c.hits,
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "misses_total"),
			"The total number of cache misses.",
			nil, nil,
		),
		prometheus.CounterValue,
		c.misses,
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "evictions_total"),
			"The total number of evictions caused by capacity pressure.",
			nil, nil,
		),
		prometheus.CounterValue,
		c.evictions,
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Cache)(nil)
)
