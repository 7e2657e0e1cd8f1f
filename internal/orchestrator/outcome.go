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

package orchestrator

import (
	"fmt"
	"time"

	"github.com/dmcgowan/vpcbox/internal/topology"
)

// Status summarises how a mutating operation ended.
type Status string

const (
	// StatusSucceeded means every step completed.
	StatusSucceeded Status = "succeeded"
	// StatusResidue means the operation completed but some cleanup steps
	// failed and left kernel resources behind.
	StatusResidue Status = "succeeded-with-residue"
	// StatusRolledBack means a step failed and the completed steps were
	// undone. Failed undo steps are listed in the outcome.
	StatusRolledBack Status = "rolled-back"
	// StatusUnrecorded means the kernel steps completed but the state
	// could not be written, so the store still describes the old topology.
	StatusUnrecorded Status = "succeeded-unrecorded"
	// StatusRejected means the request failed validation and nothing was
	// changed.
	StatusRejected Status = "rejected"
)

// Operation names.
const (
	OpCreateNetwork = "network.create"
	OpDeleteNetwork = "network.delete"
	OpCleanupAll    = "cleanup-all"
	OpAddSubnet     = "subnet.add"
	OpDeleteSubnet  = "subnet.delete"
	OpPeer          = "peer"
	OpUnpeer        = "unpeer"
	OpApplyPolicy   = "policy.apply"
	OpDeployProbe   = "probe.deploy"
)

// StepFailure is a step that failed during best-effort teardown or rollback.
type StepFailure struct {
	Step     string
	Resource string
	Err      error
}

func (f StepFailure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Step, f.Resource, f.Err)
}

// Outcome is the structured result of a mutating operation. Outcomes are
// published to the configured event sink.
type Outcome struct {
	ID         string
	Operation  string
	Target     string
	Status     Status
	Failures   []StepFailure
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time

	// Diff is set by ApplyPolicy.
	Diff *topology.PolicyDiff
	// Probe is set by DeployProbe.
	Probe *topology.Probe

	mutated    bool
	unrecorded bool
}

// Residual reports whether kernel resources may have been left behind.
func (o *Outcome) Residual() bool {
	return len(o.Failures) > 0
}

func (o *Outcome) fail(step, resource string, err error) {
	o.Failures = append(o.Failures, StepFailure{Step: step, Resource: resource, Err: err})
}
