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
	"debug/elf"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/pyscope-dev/pyscope/pkg/memory"
)

// versionFromBSS scans the interpreter's BSS-backed memory for the version
// banner the runtime keeps there (the same string `python -V` prints).
func versionFromBSS(mem memory.Reader, ef *execFile) (string, error) {
	for _, sec := range ef.elfFile.Sections {
		if sec.Name != ".bss" && sec.Type != elf.SHT_NOBITS {
			continue
		}
		if sec.Size == 0 {
			continue
		}
		data := make([]byte, sec.Size)
		if err := mem.ReadAt(ef.bias()+sec.Addr, data); err != nil {
			return "", fmt.Errorf("read .bss: %w", err)
		}
		versionString, err := scanVersionBytes(data)
		if err != nil {
			return "", fmt.Errorf("scan version bytes: %w", err)
		}
		return versionString, nil
	}
	return "", errors.New("version not found")
}

// versionFromPath parses the version out of the executable or library path,
// e.g. /usr/bin/python3.8. Patch level is unknowable from the path; zero is
// close enough for layout selection.
func versionFromPath(path string) (string, error) {
	versionString, err := scanVersionPath([]byte(path))
	if err != nil {
		return "", fmt.Errorf("scan version string: %w", err)
	}
	return versionString, nil
}

func scanVersionBytes(data []byte) (string, error) {
	re := regexp.MustCompile(`((2|3)\.(3|4|5|6|7|8|9|10|11|12)\.(\d{1,2}))((a|b|c|rc)\d{1,2})?\+? (.{1,64})`)

	match := re.FindSubmatch(data)
	if match == nil {
		return "", errors.New("failed to find version string")
	}

	major, err := strconv.ParseUint(string(match[2]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse major version: %w", err)
	}
	minor, err := strconv.ParseUint(string(match[3]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse minor version: %w", err)
	}
	patch, err := strconv.ParseUint(string(match[4]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse patch version: %w", err)
	}

	// Pre-release tags are spelled CPython-style ("3.7.0rc1"); semver
	// wants a dash before the tag.
	release := ""
	if len(match) > 5 && match[5] != nil {
		release = "-" + string(match[5])
	}

	return fmt.Sprintf("%d.%d.%d%s", major, minor, patch, release), nil
}

func scanVersionPath(data []byte) (string, error) {
	re := regexp.MustCompile(`python(2|3)\.(\d+)\b`) // python2.x, python3.x

	match := re.FindSubmatch(data)
	if match == nil {
		return "", errors.New("failed to find version string")
	}

	major, err := strconv.ParseUint(string(match[1]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse major version: %w", err)
	}
	minor, err := strconv.ParseUint(string(match[2]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse minor version: %w", err)
	}

	return fmt.Sprintf("%d.%d.0", major, minor), nil
}
