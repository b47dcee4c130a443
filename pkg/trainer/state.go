// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import "fmt"

// State of a training run. A run goes through:
//
//	Initializing → (TrainEpoch → ValidateEpoch → MaybeCheckpoint → MaybeDecayLR)* → Finished → [TestInference] → Terminated
type State int

const (
	Initializing State = iota
	TrainEpoch
	ValidateEpoch
	MaybeCheckpoint
	MaybeDecayLR
	Finished
	TestInference
	Terminated
)

var stateNames = []string{
	"Initializing", "TrainEpoch", "ValidateEpoch", "MaybeCheckpoint", "MaybeDecayLR", "Finished",
	"TestInference", "Terminated",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// validTransitions lists the states that may follow each state.
var validTransitions = map[State][]State{
	Initializing:    {TrainEpoch, Finished},
	TrainEpoch:      {ValidateEpoch},
	ValidateEpoch:   {MaybeCheckpoint},
	MaybeCheckpoint: {MaybeDecayLR},
	MaybeDecayLR:    {TrainEpoch, Finished},
	Finished:        {TestInference, Terminated},
	TestInference:   {Terminated},
}

// CanTransition returns whether to may follow from in a run.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
