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
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TenantDB/TenantDB/internal/util/teststress"
	"github.com/TenantDB/TenantDB/internal/util/testutil"
)

// openMemory is a test helper that opens a fresh in-memory connection.
func openMemory(t *testing.T) *Conn {
	t.Helper()

	c, err := Open("", testutil.Logger(t))
	require.NoError(t, err)

	return c
}

func TestCacheEvictionOrder(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	c, err := NewCache(2, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	a, b, d := openMemory(t), openMemory(t), openMemory(t)

	c.Put(ctx, "a", a)
	c.Put(ctx, "b", b)

	// a becomes most recently used, so b is evicted next
	require.Same(t, a, c.Get(ctx, "a"))

	c.Put(ctx, "d", d)

	assert.Equal(t, []string{"a", "d"}, c.List(ctx))
	assert.Nil(t, c.Get(ctx, "b"))
	assert.Equal(t, 2, c.Len())

	// the evicted connection was released
	assert.Zero(t, b.refs.Load())

	assert.Equal(t, float64(1), c.evictions)
	assert.Equal(t, float64(1), c.hits)
	assert.Equal(t, float64(1), c.misses)
}

func TestCachePop(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	c, err := NewCache(2, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	a := openMemory(t)
	c.Put(ctx, "a", a)

	// the cache's reference moves to the caller
	got := c.Pop(ctx, "a")
	require.Same(t, a, got)
	assert.Zero(t, c.Len())
	assert.Zero(t, c.evictions)

	require.NoError(t, got.CloseExclusive())

	assert.Nil(t, c.Pop(ctx, "a"))
}

func TestCachePutReplace(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	c, err := NewCache(2, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	old := openMemory(t)
	c.Put(ctx, "a", old)

	replacement := openMemory(t)
	c.Put(ctx, "a", replacement)

	require.Same(t, replacement, c.Get(ctx, "a"))
	assert.Equal(t, 1, c.Len())
	assert.Zero(t, old.refs.Load())
}

func TestNewCacheInvalidCapacity(t *testing.T) {
	t.Parallel()

	_, err := NewCache(0, testutil.Logger(t))
	require.Error(t, err)

	_, err = NewCache(-1, testutil.Logger(t))
	require.Error(t, err)
}

func TestCacheStress(t *testing.T) {
	ctx := testutil.Ctx(t)

	c, err := NewCache(100, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	var i atomic.Int32

	// fewer goroutines than capacity, so concurrent puts can't evict each other
	teststress.StressN(t, 50, func(ready chan<- struct{}, start <-chan struct{}) {
		id := fmt.Sprintf("tenant_%03d", i.Add(1))
		conn := openMemory(t)

		ready <- struct{}{}
		<-start

		c.Put(ctx, id, conn)
		require.Same(t, conn, c.Get(ctx, id))

		got := c.Pop(ctx, id)
		if got != nil {
			require.NoError(t, got.Release())
		}
	})
}
