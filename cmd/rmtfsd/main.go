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

// Command rmtfsd proxies flash I/O for a modem DSP against host
// storage, over QRTR.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/linaro/qrtrd/cli"
	"github.com/linaro/qrtrd/rmtfs"
)

var (
	plog = capnslog.NewPackageLogger("github.com/linaro/qrtrd", "rmtfsd")

	storageRoot          string
	usePartitions        bool
	readOnly             bool
	syncRemoteproc       bool
	verbose              bool
	legacyGetDevErrorBug bool

	root = &cobra.Command{
		Use:   "rmtfsd",
		Short: "RMTFS remote flash I/O server",
		RunE:  run,
	}
)

func init() {
	root.Flags().StringVarP(&storageRoot, "storage-root", "o", "",
		"directory EFS images (or raw partitions, with -P) are read from")
	root.Flags().BoolVarP(&usePartitions, "partitions", "P", false,
		"pick backing storage as raw by-partlabel partitions rather than image files")
	root.Flags().BoolVarP(&readOnly, "read-only", "r", false,
		"never write to storage; absorb writes into an in-memory shadow buffer")
	root.Flags().BoolVarP(&syncRemoteproc, "sync-remoteproc", "s", false,
		"start/stop the MSS remoteproc instance alongside this daemon")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose (debug) logging")
	root.Flags().BoolVar(&legacyGetDevErrorBug, "legacy-get-dev-error-bug", false,
		"replay the original rmtfs daemon's inverted GET_DEV_ERROR session check "+
			"instead of the intended behavior (see DESIGN.md)")
}

func main() {
	cli.Execute(root)
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		capnslog.SetGlobalLogLevel(capnslog.DEBUG)
	}

	s, err := rmtfs.New(rmtfs.Options{
		StorageRoot:          storageRoot,
		ReadOnly:             readOnly,
		UsePartitions:        usePartitions,
		LegacyGetDevErrorBug: legacyGetDevErrorBug,
		SyncRemoteproc:       syncRemoteproc,
	})
	if err != nil {
		return fmt.Errorf("rmtfsd: %w", err)
	}
	defer s.Close()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		plog.Warningf("sd_notify: %v", err)
	} else if sent {
		plog.Debug("notified service manager of readiness")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		plog.Info("received shutdown signal, stopping gracefully")
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		cancel()
		<-sig
		plog.Info("received second shutdown signal, aborting")
		os.Exit(1)
	}()

	return s.Run(ctx)
}
