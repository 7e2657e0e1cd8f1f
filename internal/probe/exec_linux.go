/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package probe

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/dmcgowan/vpcbox/internal/driver"
)

// ExecLauncher re-executes a binary with the probe-serve command inside the
// target namespace.
type ExecLauncher struct {
	ns     driver.Namespaces
	binary string
}

// NewExecLauncher returns a launcher re-executing the running binary.
func NewExecLauncher(ns driver.Namespaces) (*ExecLauncher, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &ExecLauncher{ns: ns, binary: binary}, nil
}

func (l *ExecLauncher) Start(ctx context.Context, namespace, dir string, listen netip.AddrPort) (int, error) {
	out, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var pid int
	err = l.ns.InNamespace(ctx, namespace, func() error {
		// Not CommandContext: the process must outlive this invocation.
		cmd := exec.Command(l.binary, "probe-serve", "--dir", dir, "--listen", listen.String())
		cmd.Dir = dir
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting probe: %w", err)
		}
		pid = cmd.Process.Pid
		return cmd.Process.Release()
	})
	if err != nil {
		return 0, err
	}
	log.G(ctx).WithFields(log.Fields{
		"pid":       pid,
		"namespace": namespace,
		"listen":    listen.String(),
	}).Debug("probe started")
	return pid, nil
}

func (l *ExecLauncher) Stop(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	if !isProbe(procRoot, pid) {
		log.G(ctx).WithField("pid", pid).Debug("probe process already gone")
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling probe %d: %w", pid, err)
	}
	return nil
}
