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
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const procRoot = "/proc"

// procInfo is the part of /proc/<pid> used to recognise a probe process.
type procInfo struct {
	Name    string
	PPid    string
	State   string
	Cmdline []string
}

func readProc(root string, pid int) (procInfo, error) {
	dir := filepath.Join(root, strconv.Itoa(pid))
	f, err := os.Open(filepath.Join(dir, "status"))
	if err != nil {
		return procInfo{}, err
	}
	defer f.Close()

	values := make(map[string]string)
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, value, found := strings.Cut(s.Text(), ":")
		if !found {
			continue
		}
		values[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if err := s.Err(); err != nil {
		return procInfo{}, err
	}

	info := procInfo{
		Name:  values["name"],
		PPid:  values["ppid"],
		State: values["state"],
	}
	b, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err == nil && len(b) > 0 {
		for _, arg := range bytes.Split(bytes.TrimRight(b, "\x00"), []byte{0}) {
			info.Cmdline = append(info.Cmdline, string(arg))
		}
	}
	return info, nil
}

// isProbe reports whether pid is a live probe-serve process. Recorded pids
// may have been reused since the probe was started.
func isProbe(root string, pid int) bool {
	info, err := readProc(root, pid)
	if err != nil {
		return false
	}
	if strings.HasPrefix(info.State, "Z") {
		return false
	}
	return slices.Contains(info.Cmdline, "probe-serve")
}
