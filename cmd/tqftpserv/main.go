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

// Command tqftpserv serves remoteproc firmware and a scratch
// directory to a modem DSP over QRTR, using a TFTP-like protocol.
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
	"github.com/linaro/qrtrd/tqftpserv"
)

var (
	plog = capnslog.NewPackageLogger("github.com/linaro/qrtrd", "tqftpserv")

	firmwareBase string
	scratchDir   string
	verbose      bool

	root = &cobra.Command{
		Use:   "tqftpserv",
		Short: "TFTP-like firmware/scratch file server for modem DSPs",
		RunE:  run,
	}
)

func init() {
	root.Flags().StringVar(&firmwareBase, "firmware-base", tqftpserv.FirmwareBase,
		"root directory remoteproc firmware images are served from")
	root.Flags().StringVar(&scratchDir, "scratch-dir", tqftpserv.ScratchDir,
		"scratch directory read-write requests are served from")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose (debug) logging")
}

func main() {
	cli.Execute(root)
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		capnslog.SetGlobalLogLevel(capnslog.DEBUG)
	}
	tqftpserv.FirmwareBase = firmwareBase
	tqftpserv.ScratchDir = scratchDir

	s, err := tqftpserv.New()
	if err != nil {
		return fmt.Errorf("tqftpserv: %w", err)
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
