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

package pyruntime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/procfs"

	"github.com/pyscope-dev/pyscope/pkg/memory"
)

// VersionSource records where the interpreter version was discovered.
type VersionSource string

const (
	VersionSourceMemory VersionSource = "memory"
	VersionSourcePath   VersionSource = "path"
)

// Anchors are the two fixed addresses everything else hangs off: the
// location of the interpreter-list head pointer and the location of the
// pointer to the thread state currently holding the GIL.
type Anchors struct {
	InterpHead         uint64
	ThreadStateCurrent uint64
}

// Interpreter is the attach-time probe result for one CPython process.
type Interpreter struct {
	Version       *semver.Version
	VersionSource VersionSource
	Layout        Layout
	Anchors       Anchors
}

var errNotPython = errors.New("not a python process")

// Probe locates the interpreter's executable mappings, discovers its
// version, selects the layout table and resolves the anchor addresses.
// An unrecognized version is a fatal *UnsupportedVersionError.
func Probe(proc procfs.Proc, mem memory.Reader) (*Interpreter, error) {
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading process maps: %w", err)
	}

	exePath, err := proc.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable: %w", err)
	}

	var (
		exe *execFile
		lib *execFile
	)
	defer func() {
		if exe != nil {
			exe.Close()
		}
		if lib != nil {
			lib.Close()
		}
	}()

	for _, m := range maps {
		pathname := m.Pathname
		if pathname == "" || !m.Perms.Execute {
			continue
		}
		if pathname == exePath && exe == nil {
			exe, err = openExecFile(absolutePath(proc, pathname), uint64(m.StartAddr))
			if err != nil {
				return nil, err
			}
			continue
		}
		if isPythonLib(pathname) && lib == nil {
			lib, err = openExecFile(absolutePath(proc, pathname), uint64(m.StartAddr))
			if err != nil {
				return nil, err
			}
		}
	}
	if exe == nil && lib == nil {
		return nil, errNotPython
	}

	version, source, err := discoverVersion(mem, exe, lib)
	if err != nil {
		return nil, err
	}

	layout, err := LayoutForVersion(version)
	if err != nil {
		return nil, err
	}

	anchors, err := resolveAnchors(version, exe, lib)
	if err != nil {
		return nil, err
	}

	return &Interpreter{
		Version:       version,
		VersionSource: source,
		Layout:        layout,
		Anchors:       anchors,
	}, nil
}

// ProbeWithRetry probes with a short bounded backoff: a target that was
// exec'd moments before attach may not have its version banner in memory
// yet.
func ProbeWithRetry(ctx context.Context, proc procfs.Proc, mem memory.Reader) (*Interpreter, error) {
	var interp *Interpreter

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second

	err := backoff.Retry(func() error {
		var err error
		interp, err = Probe(proc, mem)
		if err != nil {
			var unsupported *UnsupportedVersionError
			if errors.As(err, &unsupported) || errors.Is(err, errNotPython) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return interp, nil
}

func discoverVersion(mem memory.Reader, sources ...*execFile) (*semver.Version, VersionSource, error) {
	var (
		versionString string
		source        VersionSource
	)
	for _, ef := range sources {
		if ef == nil {
			continue
		}
		if s, err := versionFromBSS(mem, ef); err == nil && s != "" {
			versionString, source = s, VersionSourceMemory
			break
		}
	}
	if versionString == "" {
		// As a last resort, parse the version from the path.
		for _, ef := range sources {
			if ef == nil {
				continue
			}
			if s, err := versionFromPath(ef.path); err == nil && s != "" {
				versionString, source = s, VersionSourcePath
				break
			}
		}
	}
	if versionString == "" {
		return nil, "", errors.New("could not discover interpreter version")
	}

	version, err := semver.NewVersion(versionString)
	if err != nil {
		return nil, "", fmt.Errorf("parse version %q: %w", versionString, err)
	}
	return version, source, nil
}

func resolveAnchors(version *semver.Version, sources ...*execFile) (Anchors, error) {
	addressOf := func(name string) (uint64, error) {
		for _, ef := range sources {
			if ef == nil {
				continue
			}
			if addr, err := ef.addressOf(name); err == nil && addr != 0 {
				return addr, nil
			}
		}
		return 0, fmt.Errorf("symbol %q not found in any mapping", name)
	}

	if hasRuntimeState(version) {
		runtimeAddr, err := addressOf(pythonRuntimeSymbol)
		if err != nil {
			return Anchors{}, err
		}
		headOff, err := interpHeadOffset(version)
		if err != nil {
			return Anchors{}, err
		}
		currentOff, err := tstateCurrentOffset(version)
		if err != nil {
			return Anchors{}, err
		}
		return Anchors{
			InterpHead:         runtimeAddr + headOff,
			ThreadStateCurrent: runtimeAddr + currentOff,
		}, nil
	}

	// Pre-3.7 interpreters keep standalone globals.
	head, err := addressOf(pythonInterpreterSymbol)
	if err != nil {
		return Anchors{}, err
	}
	current, err := addressOf(pythonThreadStateSymbol)
	if err != nil {
		return Anchors{}, err
	}
	return Anchors{InterpHead: head, ThreadStateCurrent: current}, nil
}
