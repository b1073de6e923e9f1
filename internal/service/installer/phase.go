package installer

import (
	"errors"
	"fmt"
)

// Phase is a state of the installation state machine.
type Phase int

// Phases in the order a successful run visits them.
const (
	PhaseIdle Phase = iota
	PhaseLoadingManifest
	PhaseFetchingAndVerifying
	PhaseBuildingEnvironment
	PhaseProvisioning
	PhaseSmokeTesting
	PhaseDone
	PhaseAborted
)

var errInvalidTransition = errors.New("invalid phase transition")

//nolint:gochecknoglobals // Read-only lookup table.
var phaseNames = map[Phase]string{
	PhaseIdle:                 "Idle",
	PhaseLoadingManifest:      "LoadingManifest",
	PhaseFetchingAndVerifying: "FetchingAndVerifying",
	PhaseBuildingEnvironment:  "BuildingEnvironment",
	PhaseProvisioning:         "Provisioning",
	PhaseSmokeTesting:         "SmokeTesting",
	PhaseDone:                 "Done",
	PhaseAborted:              "Aborted",
}

// String returns the phase name.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}

	return fmt.Sprintf("Phase(%d)", int(p))
}

// IsTerminal reports whether no further transition is allowed.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// canTransition encodes the allowed edges. Aborted is reachable from any
// non-terminal phase; Done is reachable from SmokeTesting, or from
// FetchingAndVerifying for verify-only runs.
func canTransition(from, to Phase, verifyOnly bool) bool {
	if from.IsTerminal() {
		return false
	}

	if to == PhaseAborted {
		return true
	}

	if verifyOnly && from == PhaseFetchingAndVerifying && to == PhaseDone {
		return true
	}

	return to == from+1
}
