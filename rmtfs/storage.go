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

package rmtfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MaxCallers bounds the session table, ported from storage.c's
// MAX_CALLERS. Caller ids are the session's index into the table.
const MaxCallers = 10

// shadowMaxSize caps the growable in-memory shadow buffer used in
// read-only mode, ported from storage.c's STORAGE_MAX_SIZE.
const shadowMaxSize = 16 * 1024 * 1024

// partition is one entry of the static partition table: the virtual
// path the modem asks for, and the two ways it maps onto the host
// filesystem (a plain file in storageDir, or a by-partlabel symlink).
type partition struct {
	path      string
	actual    string
	partlabel string
}

// partitionTable is reproduced exactly from storage.c; requests for
// any path not listed here are rejected.
var partitionTable = []partition{
	{path: "/boot/modem_fs1", actual: "modem_fs1", partlabel: "modemst1"},
	{path: "/boot/modem_fs2", actual: "modem_fs2", partlabel: "modemst2"},
	{path: "/boot/modem_fsc", actual: "modem_fsc", partlabel: "fsc"},
	{path: "/boot/modem_fsg", actual: "modem_fsg", partlabel: "fsg"},
}

// session is one open RMTFS handle, ported from struct rmtfd.
type session struct {
	id   int
	node uint32
	part *partition

	// f is the backing file in read-write mode; nil in read-only mode.
	f *os.File

	// shadow is the read-only mode's lazily-populated, growable
	// in-memory copy of the backing file. Writes from the modem are
	// absorbed here and never reach storage.
	shadow []byte

	devError uint8
}

func (s *session) pread(buf []byte, offset int64) (int, error) {
	if s.f != nil {
		n, err := s.f.ReadAt(buf, offset)
		if err == io.EOF {
			// A short read at end of file is not an error; the caller
			// zero-fills the rest of the sector.
			err = nil
		}
		return n, err
	}

	n := len(buf)
	avail := int64(len(s.shadow)) - offset
	if avail < int64(n) {
		n = int(avail)
	}
	if n > 0 {
		copy(buf, s.shadow[offset:offset+int64(n)])
	} else {
		n = 0
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}

func (s *session) pwrite(buf []byte, offset int64) (int, error) {
	if s.f != nil {
		return s.f.WriteAt(buf, offset)
	}

	newLen := offset + int64(len(buf))
	if newLen >= shadowMaxSize {
		return 0, errors.Errorf("rmtfs: shadow write to %d bytes exceeds max size", newLen)
	}
	if newLen > int64(len(s.shadow)) {
		grown := make([]byte, newLen)
		copy(grown, s.shadow)
		s.shadow = grown
	}
	copy(s.shadow[offset:], buf)
	return len(buf), nil
}

// storage is the session table plus the configuration storage_open
// consults to resolve a virtual path to a host file, ported from
// storage.c's file-scope state.
type storage struct {
	dir           string
	readOnly      bool
	usePartitions bool

	sessions [MaxCallers]session
}

func newStorage(root string, readOnly, usePartitions bool) *storage {
	dir := root
	if dir == "" {
		if usePartitions {
			dir = "/dev/disk/by-partlabel"
		} else {
			dir = "/boot"
		}
	}
	st := &storage{dir: dir, readOnly: readOnly, usePartitions: usePartitions}
	for i := range st.sessions {
		st.sessions[i].id = i
	}
	return st
}

// open resolves path against the partition table and returns the
// session for (node, partition), reattaching to an existing session
// if that node already has the same partition open rather than
// allocating a new slot, matching storage_open's reattachment branch.
func (st *storage) open(node uint32, path string) (*session, error) {
	part := st.lookupPartition(path)
	if part == nil {
		return nil, errors.Errorf("rmtfs: unknown partition %q", path)
	}

	for i := range st.sessions {
		sess := &st.sessions[i]
		if (sess.f != nil || sess.shadow != nil) && sess.node == node && sess.part == part {
			return sess, nil
		}
	}

	var free *session
	for i := range st.sessions {
		if st.sessions[i].f == nil && st.sessions[i].shadow == nil {
			free = &st.sessions[i]
			break
		}
	}
	if free == nil {
		return nil, errors.New("rmtfs: out of free session slots")
	}

	file := part.actual
	if st.usePartitions {
		file = part.partlabel
	}
	fspath := filepath.Join(st.dir, file)

	if !st.readOnly {
		f, err := os.OpenFile(fspath, os.O_RDWR, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "open %q (requested %q)", fspath, path)
		}
		free.f = f
	} else {
		data, err := os.ReadFile(fspath)
		if err != nil {
			return nil, errors.Wrapf(err, "open %q (requested %q)", fspath, path)
		}
		free.shadow = data
	}

	free.node = node
	free.part = part
	free.devError = 0
	return free, nil
}

func (st *storage) lookupPartition(path string) *partition {
	for i := range partitionTable {
		if partitionTable[i].path == path {
			return &partitionTable[i]
		}
	}
	return nil
}

// get looks up an open session by caller id, rejecting ids that
// belong to a different node the way storage_get does.
func (st *storage) get(node uint32, callerID uint32) *session {
	if callerID >= MaxCallers {
		return nil
	}
	sess := &st.sessions[callerID]
	if sess.node != node || (sess.f == nil && sess.shadow == nil) {
		return nil
	}
	return sess
}

// close tears down a session's backing storage and frees its slot.
func (st *storage) close(sess *session) {
	if sess.f != nil {
		sess.f.Close()
		sess.f = nil
	}
	sess.shadow = nil
	sess.part = nil
}

// dropNode closes every session owned by node, used when the name
// server reports that node has gone away (BYE/DEL_CLIENT).
func (st *storage) dropNode(node uint32) {
	for i := range st.sessions {
		sess := &st.sessions[i]
		if sess.node == node && (sess.f != nil || sess.shadow != nil) {
			st.close(sess)
		}
	}
}
