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

// Package config resolves vpcctl settings from defaults, dotenv files and
// VPCCTL_* environment variables. Command line flags are applied on top by
// the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/joho/godotenv"
)

const (
	EnvStateDir        = "VPCCTL_STATE_DIR"
	EnvLogLevel        = "VPCCTL_LOG_LEVEL"
	EnvLogFormat       = "VPCCTL_LOG_FORMAT"
	EnvEgressInterface = "VPCCTL_EGRESS_INTERFACE"
	EnvJournal         = "VPCCTL_JOURNAL"

	DefaultStateDir = "/var/lib/vpcctl"
)

// Config holds the settings of one vpcctl invocation.
type Config struct {
	StateDir        string
	LogLevel        string
	LogFormat       string
	EgressInterface string
	Journal         bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		StateDir:  DefaultStateDir,
		LogLevel:  "info",
		LogFormat: string(log.TextFormat),
		Journal:   true,
	}
}

// Load applies the given dotenv files, if they exist, and the environment on
// top of the defaults. Variables already set in the environment take
// precedence over dotenv files.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	c := Default()
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv(EnvEgressInterface); v != "" {
		c.EgressInterface = v
	}
	if v := os.Getenv(EnvJournal); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s=%q: %w", EnvJournal, v, errdefs.ErrInvalidArgument)
		}
		c.Journal = b
	}
	return c, c.Validate()
}

// Validate checks the settings that can be checked without side effects.
func (c Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state directory must be set: %w", errdefs.ErrInvalidArgument)
	}
	switch log.OutputFormat(c.LogFormat) {
	case log.TextFormat, log.JSONFormat:
	default:
		return fmt.Errorf("log format %q must be %q or %q: %w", c.LogFormat, log.TextFormat, log.JSONFormat, errdefs.ErrInvalidArgument)
	}
	return nil
}

// StatePath is the state document location.
func (c Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.json")
}

// JournalPath is the operation journal location.
func (c Config) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.db")
}

// ProbeDir is the directory holding probe payloads.
func (c Config) ProbeDir() string {
	return filepath.Join(c.StateDir, "probes")
}
