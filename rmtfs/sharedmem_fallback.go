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

package rmtfs

// fakeCarveoutSize is the size of the in-memory stand-in used where
// no real qcom_rmtfs_mem/uio device or reserved-memory node exists --
// off Linux, the same role loopback.go plays for qrtr.
const fakeCarveoutSize = 1 << 20

// openSharedMem backs the carveout with a plain byte slice on
// platforms without the real discovery tiers (sharedmem_linux.go).
func openSharedMem() (*sharedMem, error) {
	return newTestSharedMem(0x1000, fakeCarveoutSize), nil
}
