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

// Package buildinfo reports how this binary was built, from the metadata
// the Go toolchain embeds.
package buildinfo

import (
	"errors"
	"runtime/debug"
)

type BuildInfo struct {
	GoVersion   string
	VcsRevision string
	VcsTime     string
	VcsModified bool
}

// Fetch reads the binary's embedded build information. It fails for
// binaries built without module support.
func Fetch() (*BuildInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}

	info := BuildInfo{GoVersion: bi.GoVersion}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}
	return &info, nil
}

// Revision returns a short identifier for logging, "unknown" when the
// binary carries no VCS stamp.
func (b *BuildInfo) Revision() string {
	if b == nil || b.VcsRevision == "" {
		return "unknown"
	}
	rev := b.VcsRevision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if b.VcsModified {
		rev += "-dirty"
	}
	return rev
}
