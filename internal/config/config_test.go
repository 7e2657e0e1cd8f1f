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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvStateDir, EnvLogLevel, EnvLogFormat, EnvEgressInterface, EnvJournal} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, "/var/lib/vpcctl/state.json", c.StatePath())
	assert.Equal(t, "/var/lib/vpcctl/journal.db", c.JournalPath())
	assert.Equal(t, "/var/lib/vpcctl/probes", c.ProbeDir())
}

func TestEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvStateDir, "/tmp/vpc")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvEgressInterface, "wlan0")
	t.Setenv(EnvJournal, "false")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/vpc", c.StateDir)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, "wlan0", c.EgressInterface)
	assert.False(t, c.Journal)
}

func TestDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvLogLevel, "debug")
	f := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(f, []byte("VPCCTL_STATE_DIR=/srv/vpc\nVPCCTL_LOG_LEVEL=warn\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv(EnvStateDir) })

	c, err := Load(f, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "/srv/vpc", c.StateDir)
	assert.Equal(t, "debug", c.LogLevel, "environment wins over dotenv")
}

func TestInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvJournal, "maybe")
	_, err := Load()
	assert.True(t, errdefs.IsInvalidArgument(err))

	c := Default()
	c.LogFormat = "xml"
	assert.True(t, errdefs.IsInvalidArgument(c.Validate()))
}
