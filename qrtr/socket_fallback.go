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

//go:build !linux
// +build !linux

package qrtr

// defaultBus backs Open() on platforms with no AF_QIPCRTR support
// (anything but Linux). All endpoints opened via Open() on such a
// platform share this single process-wide loopback bus, which is
// enough to run the daemons' own test suites and let them be built
// and smoke-tested on a development workstation.
var defaultBus = NewBus()

func newSocket(localPort uint32) (socket, error) {
	ep, err := defaultBus.OpenEndpoint(1, localPort)
	if err != nil {
		return nil, err
	}
	return ep.sock, nil
}

func isReset(err error) bool {
	return false
}

func isTimeout(err error) bool {
	return err == errTimeout
}
