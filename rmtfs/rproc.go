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
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/linaro/qrtrd/lang/worker"
)

// rprocSync couples RMTFS to the MSS remoteproc's start/stop sysfs
// knob, ported from rproc.c. The original runs this write on a
// one-shot helper thread so the blocking sysfs write (which waits for
// the DSP firmware to actually load or unload) can't stall the
// request loop; a WorkerGroup plays the same role here.
type rprocSync struct {
	statePath string
}

// newRprocSync locates the remoteproc instance's "state" attribute,
// the same file rproc_init opens in the original.
func newRprocSync() (*rprocSync, error) {
	matches, err := filepath.Glob("/sys/bus/platform/drivers/qcom-q6v5-mss/*/remoteproc/remoteproc*/state")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errors.New("rmtfs: no qcom-q6v5-mss remoteproc instance found")
	}
	return &rprocSync{statePath: matches[0]}, nil
}

// start issues the "start" write on a worker goroutine; Run's event
// loop is never blocked waiting for it.
func (r *rprocSync) start(ctx context.Context) {
	wg := worker.NewWorkerGroup(ctx, 1)
	wg.Start(func(context.Context) error {
		if err := r.writeState("start"); err != nil {
			plog.Warningf("remoteproc start: %v", err)
		}
		return nil
	})
}

// stop issues the "stop" write and waits for it to complete, the
// graceful-shutdown half of the original's two-SIGINT model: the
// first SIGINT calls stop and waits, the second aborts immediately
// regardless of whether this has finished.
func (r *rprocSync) stop(ctx context.Context) {
	wg := worker.NewWorkerGroup(ctx, 1)
	wg.Start(func(context.Context) error {
		return r.writeState("stop")
	})
	if err := wg.Wait(); err != nil {
		plog.Warningf("remoteproc stop: %v", err)
	}
}

func (r *rprocSync) writeState(state string) error {
	return os.WriteFile(r.statePath, []byte(state), 0644)
}
