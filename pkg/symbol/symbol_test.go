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

package symbol

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pyscope-dev/pyscope/pkg/profile"
	"github.com/pyscope-dev/pyscope/pkg/pyruntime"
	"github.com/pyscope-dev/pyscope/pkg/testutil"
)

const (
	codeAddr     = uint64(0x6000)
	filenameAddr = uint64(0x7000)
	nameAddr     = uint64(0x7800)
)

func image(t *testing.T, version string) *testutil.PythonImage {
	t.Helper()
	layout, err := pyruntime.LayoutForVersion(semver.MustParse(version))
	require.NoError(t, err)
	return testutil.NewPythonImage(layout)
}

func TestResolve(t *testing.T) {
	for _, version := range []string{"2.7.15", "3.6.3", "3.8.10", "3.10.4"} {
		t.Run(version, func(t *testing.T) {
			img := image(t, version)
			img.PutString(filenameAddr, "./tests/sleeper.py")
			img.PutString(nameAddr, "main")
			img.PutCode(codeAddr, filenameAddr, nameAddr, 26)

			r := NewResolver(prometheus.NewRegistry(), img.Mem, img.Layout)
			info := r.Resolve(codeAddr)
			require.Equal(t, profile.SymbolInfo{File: "./tests/sleeper.py", Name: "main", Line: 26}, info)
			require.Equal(t, "./tests/sleeper.py:main:26", info.Label())
		})
	}
}

func TestResolveCaches(t *testing.T) {
	img := image(t, "3.9.2")
	img.PutString(filenameAddr, "app.py")
	img.PutString(nameAddr, "handler")
	img.PutCode(codeAddr, filenameAddr, nameAddr, 7)

	r := NewResolver(prometheus.NewRegistry(), img.Mem, img.Layout)
	first := r.Resolve(codeAddr)

	// Unmap everything. A cached entry must keep resolving without touching
	// the target.
	img.Mem.Drop(codeAddr, 256)
	img.Mem.Drop(filenameAddr, 256)
	img.Mem.Drop(nameAddr, 256)

	second := r.Resolve(codeAddr)
	require.Equal(t, first, second)
	require.Equal(t, "handler", second.Name)
}

func TestResolveUnreadableYieldsSentinel(t *testing.T) {
	img := image(t, "3.8.10")

	r := NewResolver(prometheus.NewRegistry(), img.Mem, img.Layout)
	info := r.Resolve(0xdead0000) // nothing mapped there
	require.Equal(t, profile.Unresolved, info)
}

func TestResolveSentinelNotCached(t *testing.T) {
	img := image(t, "3.8.10")

	r := NewResolver(prometheus.NewRegistry(), img.Mem, img.Layout)
	require.Equal(t, profile.Unresolved, r.Resolve(codeAddr))

	// The code object appears (e.g. the earlier read raced a GC); a later
	// sample must resolve it.
	img.PutString(filenameAddr, "late.py")
	img.PutString(nameAddr, "work")
	img.PutCode(codeAddr, filenameAddr, nameAddr, 3)

	info := r.Resolve(codeAddr)
	require.Equal(t, "work", info.Name)
}

func TestResolveZeroAddress(t *testing.T) {
	img := image(t, "3.8.10")
	r := NewResolver(prometheus.NewRegistry(), img.Mem, img.Layout)
	require.Equal(t, profile.Unresolved, r.Resolve(0))
}

func TestPurgeDropsEntries(t *testing.T) {
	img := image(t, "3.9.2")
	img.PutString(filenameAddr, "gone.py")
	img.PutString(nameAddr, "f")
	img.PutCode(codeAddr, filenameAddr, nameAddr, 1)

	r := NewResolver(prometheus.NewRegistry(), img.Mem, img.Layout)
	require.Equal(t, "f", r.Resolve(codeAddr).Name)

	r.Purge()
	img.Mem.Drop(codeAddr, 256)

	require.Equal(t, profile.Unresolved, r.Resolve(codeAddr))
}

func TestReadStringImplausibleLength(t *testing.T) {
	img := image(t, "3.9.2")
	// A "string" whose length word is garbage.
	img.Mem.PutUint64(filenameAddr+img.Layout.Str.Size, 1<<40)
	img.PutCode(codeAddr, filenameAddr, nameAddr, 1)

	r := NewResolver(prometheus.NewRegistry(), img.Mem, img.Layout)
	require.Equal(t, profile.Unresolved, r.Resolve(codeAddr))
}
