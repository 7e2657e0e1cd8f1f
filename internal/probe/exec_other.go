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

//go:build !linux

package probe

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/containerd/errdefs"

	"github.com/dmcgowan/vpcbox/internal/driver"
)

type ExecLauncher struct{}

func NewExecLauncher(driver.Namespaces) (*ExecLauncher, error) {
	return nil, fmt.Errorf("probes are only supported on linux: %w", errdefs.ErrNotImplemented)
}

func (*ExecLauncher) Start(context.Context, string, string, netip.AddrPort) (int, error) {
	return 0, errdefs.ErrNotImplemented
}

func (*ExecLauncher) Stop(context.Context, int) error {
	return errdefs.ErrNotImplemented
}
