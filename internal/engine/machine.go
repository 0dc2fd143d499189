package engine

import (
	"fmt"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowdef"
)

// Machine tracks the current step of a flow run and derives per-step
// completion from validation. All step indices come from flowdef.
type Machine struct {
	flowType flowdef.FlowType
	usePKCE  bool
	current  int
}

// NewMachine creates a step machine for a flow type.
func NewMachine(flowType flowdef.FlowType, usePKCE bool) (*Machine, error) {
	if !flowType.Valid() {
		return nil, fmt.Errorf("unknown flow type %q", flowType)
	}
	return &Machine{flowType: flowType, usePKCE: usePKCE}, nil
}

// FlowType returns the machine's flow type.
func (m *Machine) FlowType() flowdef.FlowType { return m.flowType }

// TotalSteps returns the flow's step count.
func (m *Machine) TotalSteps() int {
	return flowdef.TotalSteps(m.flowType, m.usePKCE)
}

// Steps returns the flow's ordered step kinds.
func (m *Machine) Steps() []flowdef.StepKind {
	return flowdef.Steps(m.flowType, m.usePKCE)
}

// CurrentStep returns the current step index, always in [0, TotalSteps).
func (m *Machine) CurrentStep() int { return m.current }

// CurrentKind returns the step kind at the current index.
func (m *Machine) CurrentKind() flowdef.StepKind {
	kind, _ := flowdef.StepAt(m.flowType, m.usePKCE, m.current)
	return kind
}

// GoTo moves to step n, rejecting indices outside [0, TotalSteps).
func (m *Machine) GoTo(n int) error {
	if n < 0 || n >= m.TotalSteps() {
		return fmt.Errorf("step %d out of range [0, %d)", n, m.TotalSteps())
	}
	m.current = n
	return nil
}

// GoNext advances one step.
func (m *Machine) GoNext() error {
	return m.GoTo(m.current + 1)
}

// GoPrevious moves back one step.
func (m *Machine) GoPrevious() error {
	return m.GoTo(m.current - 1)
}

// Reset returns to the first step.
func (m *Machine) Reset() { m.current = 0 }

// ValidateStep validates the step at index n.
func (m *Machine) ValidateStep(n int, state *FlowState, creds credentials.Credentials) []string {
	kind, ok := flowdef.StepAt(m.flowType, m.usePKCE, n)
	if !ok {
		return []string{fmt.Sprintf("step %d out of range", n)}
	}
	return Validate(m.flowType, kind, state, creds)
}

// CompletedSteps recomputes the completed-step set from current validity.
// A step whose backing data was cleared drops out of the set; completion
// is derived, never assigned.
func (m *Machine) CompletedSteps(state *FlowState, creds credentials.Credentials) []int {
	var completed []int
	for i := range m.Steps() {
		if len(m.ValidateStep(i, state, creds)) == 0 {
			completed = append(completed, i)
		}
	}
	return completed
}
