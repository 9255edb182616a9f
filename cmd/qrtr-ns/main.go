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

// Command qrtr-ns is the QRTR name server daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"

	"github.com/linaro/qrtrd/cli"
	"github.com/linaro/qrtrd/nameserver"
)

var (
	plog = capnslog.NewPackageLogger("github.com/linaro/qrtrd", "qrtr-ns")

	foreground bool
	useSyslog  bool
	verbose    bool
	nodeIface  string

	root = &cobra.Command{
		Use:   "qrtr-ns [node-id]",
		Short: "QRTR name server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
)

func init() {
	root.Flags().BoolVarP(&foreground, "foreground", "f", false, "do not daemonize")
	root.Flags().BoolVarP(&useSyslog, "syslog", "s", false, "log to syslog instead of stderr")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose (debug) logging")
	root.Flags().StringVar(&nodeIface, "node-addr-iface", "",
		"if set, assign the bus node id to this interface via netlink once learned "+
			"(supplements the original's bare node-id argument with a way to "+
			"publish it back to the network stack for diagnostics)")
}

func main() {
	cli.Execute(root)
}

func run(cmd *cobra.Command, args []string) error {
	if useSyslog {
		f, err := capnslog.NewSyslogFormatter("qrtr-ns")
		if err != nil {
			return fmt.Errorf("qrtr-ns: syslog formatter: %w", err)
		}
		capnslog.SetFormatter(f)
	}
	if verbose {
		capnslog.SetGlobalLogLevel(capnslog.DEBUG)
	}

	if len(args) == 1 {
		nodeID, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("qrtr-ns: invalid node id %q: %w", args[0], err)
		}
		plog.Infof("requested local node id %d (informational; the kernel assigns the real one)", nodeID)
	}

	s, err := nameserver.New()
	if err != nil {
		return err
	}
	defer s.Close()

	if nodeIface != "" {
		if err := publishNodeAddr(nodeIface, s.LocalNode()); err != nil {
			plog.Warningf("failed to publish node id to %s: %v", nodeIface, err)
		}
	}

	if !foreground {
		// The daemonization model here is cooperative rather than a
		// double-fork: cmd/rmtfsd and cmd/tqftpserv follow the same
		// convention, relying on the caller's service manager via
		// sd_notify rather than a manual fork+exit.
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			plog.Warningf("sd_notify: %v", err)
		} else if sent {
			plog.Debug("notified service manager of readiness")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		plog.Info("received shutdown signal")
		cancel()
	}()

	return s.Run(ctx)
}

// publishNodeAddr is a small supplemented feature: expose the bus node
// id as an IPv4-like address on a diagnostic interface via netlink, so
// `ip addr show` can report which QRTR node this host is, the same
// technique mantle/platform/local/cluster.go uses to assign a test
// cluster's bridge address.
func publishNodeAddr(iface string, node uint32) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return err
	}
	addr, err := netlink.ParseAddr(fmt.Sprintf("0.0.0.%d/32", node&0xff))
	if err != nil {
		return err
	}
	return netlink.AddrReplace(link, addr)
}
