// Copyright 2014 CoreOS, Inc.
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

package tqftpserv

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	readonlyPrefix  = "/readonly/firmware/image/"
	readwritePrefix = "/readwrite/"

	remoteprocClassDir = "/sys/class/remoteproc"
)

// FirmwareBase and ScratchDir resolve the two path-translation roots,
// ported from translate.c's FIRMWARE_BASE/TQFTPSERV_TMP macros. The
// original picks between a non-Android and an Android pair at compile
// time (#ifdef ANDROID); Go has no build-time equivalent of that here,
// so these are plain variables a caller can override at startup
// instead, defaulting to the non-Android paths.
var (
	FirmwareBase = "/lib/firmware/"
	ScratchDir   = "/tmp/tqftpserv"
)

// translateOpen maps a client-supplied virtual path to a real file,
// ported from translate_open.
func translateOpen(path string, flags int) (*os.File, error) {
	switch {
	case strings.HasPrefix(path, readonlyPrefix):
		return openReadonly(strings.TrimPrefix(path, readonlyPrefix))
	case strings.HasPrefix(path, readwritePrefix):
		return openReadwrite(strings.TrimPrefix(path, readwritePrefix), flags)
	default:
		return nil, errors.Errorf("tqftpserv: invalid path %q, rejecting", path)
	}
}

// openReadonly searches every remoteproc instance's firmware directory
// for file, the Go equivalent of translate_readonly: each instance
// under /sys/class/remoteproc exposes a "firmware" attribute naming
// the relative path of its currently loaded image, and the requested
// file is assumed to live alongside it under FirmwareBase.
func openReadonly(file string) (*os.File, error) {
	if !safeRelPath(file) {
		return nil, os.ErrNotExist
	}

	entries, err := os.ReadDir(remoteprocClassDir)
	if err != nil {
		return nil, errors.Wrap(err, "tqftpserv: open remoteproc class")
	}

	var lastErr error = os.ErrNotExist
	for _, de := range entries {
		fwAttr := filepath.Join(remoteprocClassDir, de.Name(), "firmware")
		b, err := os.ReadFile(fwAttr)
		if err != nil {
			continue
		}

		fwDir := filepath.Dir(strings.TrimSpace(string(b)))
		path := filepath.Join(FirmwareBase, fwDir, file)
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			lastErr = err
		}
	}
	return nil, lastErr
}

// openReadwrite opens file under the scratch directory, creating it on
// first use, the Go equivalent of translate_readwrite.
func openReadwrite(file string, flags int) (*os.File, error) {
	if !safeRelPath(file) {
		return nil, os.ErrNotExist
	}
	if err := os.MkdirAll(ScratchDir, 0700); err != nil {
		return nil, errors.Wrap(err, "tqftpserv: create scratch directory")
	}
	path := filepath.Join(ScratchDir, file)
	return os.OpenFile(path, flags, 0600)
}

// safeRelPath rejects any relative path that could escape its base
// directory via "..", keeping every open() call scoped to the
// firmware search dirs or the scratch directory. It inspects the raw,
// unclean path: filepath.Clean alone can't be used as the check since
// it root-anchors and collapses ".." out of anything handed to it,
// which would make every input look safe.
func safeRelPath(file string) bool {
	if filepath.IsAbs(file) {
		return false
	}
	for _, seg := range strings.Split(file, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
