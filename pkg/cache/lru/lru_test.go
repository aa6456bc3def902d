// Copyright 2024 The Pyscope Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lru

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestLRUAddGet(t *testing.T) {
	c := New[uint64, string](prometheus.NewRegistry(), "test", 4)

	c.Add(1, "one")
	c.Add(2, "two")

	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	_, ok = c.Get(3)
	require.False(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c := New[int, int](prometheus.NewRegistry(), "test", 2)

	c.Add(1, 1)
	c.Add(2, 2)
	// Touch 1 so that 2 is the eviction candidate.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Add(3, 3)

	_, ok = c.Get(2)
	require.False(t, ok)
	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}

func TestLRUUpdateExisting(t *testing.T) {
	c := New[int, string](prometheus.NewRegistry(), "test", 2)

	c.Add(1, "a")
	c.Add(1, "b")
	require.Equal(t, 1, c.Len())

	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestLRUPurge(t *testing.T) {
	c := New[int, int](prometheus.NewRegistry(), "test", 8)

	for i := 0; i < 5; i++ {
		c.Add(i, i)
	}
	c.Purge()
	require.Equal(t, 0, c.Len())

	_, ok := c.Get(3)
	require.False(t, ok)

	// The cache must be usable after a purge.
	c.Add(42, 42)
	v, ok := c.Get(42)
	require.True(t, ok)
	require.Equal(t, 42, v)
}
