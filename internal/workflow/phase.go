package workflow

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a phase change breaks the pipeline order.
var ErrIllegalTransition = errors.New("illegal phase transition")

// Phase is one state of the pipeline. The set of variants is closed: every
// implementation lives in this file and is handled by PhaseVisitor.
type Phase interface {
	Name() string
	Accept(v PhaseVisitor)
	isPhase()
}

// PhaseVisitor handles every phase variant. Adding a variant adds a method here,
// so every visitor stops compiling until it handles it.
type PhaseVisitor interface {
	VisitSpec(SpecPhase)
	VisitPlan(PlanPhase)
	VisitExecute(ExecutePhase)
	VisitVerify(VerifyPhase)
	VisitRepair(RepairPhase)
	VisitComplete(CompletePhase)
	VisitFailed(FailedPhase)
}

// SpecPhase generates the task specification.
type SpecPhase struct{}

// PlanPhase generates the execution plan.
type PlanPhase struct{}

// ExecutePhase runs the reason-act-observe loop.
type ExecutePhase struct{}

// VerifyPhase runs QA checks and the judge. Cycle is 0 for the first pass.
type VerifyPhase struct {
	Cycle int
}

// RepairPhase re-runs the loop to fix a failed verdict. Cycle starts at 1.
type RepairPhase struct {
	Cycle int
}

// CompletePhase is the successful end state.
type CompletePhase struct{}

// FailedPhase is the unsuccessful end state.
type FailedPhase struct {
	At     string // phase that failed
	Reason string
}

func (SpecPhase) Name() string     { return "spec" }
func (PlanPhase) Name() string     { return "plan" }
func (ExecutePhase) Name() string  { return "execute" }
func (VerifyPhase) Name() string   { return "verify" }
func (RepairPhase) Name() string   { return "repair" }
func (CompletePhase) Name() string { return "complete" }
func (FailedPhase) Name() string   { return "failed" }

func (p SpecPhase) Accept(v PhaseVisitor)     { v.VisitSpec(p) }
func (p PlanPhase) Accept(v PhaseVisitor)     { v.VisitPlan(p) }
func (p ExecutePhase) Accept(v PhaseVisitor)  { v.VisitExecute(p) }
func (p VerifyPhase) Accept(v PhaseVisitor)   { v.VisitVerify(p) }
func (p RepairPhase) Accept(v PhaseVisitor)   { v.VisitRepair(p) }
func (p CompletePhase) Accept(v PhaseVisitor) { v.VisitComplete(p) }
func (p FailedPhase) Accept(v PhaseVisitor)   { v.VisitFailed(p) }

func (SpecPhase) isPhase()     {}
func (PlanPhase) isPhase()     {}
func (ExecutePhase) isPhase()  {}
func (VerifyPhase) isPhase()   {}
func (RepairPhase) isPhase()   {}
func (CompletePhase) isPhase() {}
func (FailedPhase) isPhase()   {}

// IsFinal reports whether p ends the pipeline.
func IsFinal(p Phase) bool {
	switch p.(type) {
	case CompletePhase, FailedPhase:
		return true
	}
	return false
}

// successors lists the phase names reachable from a phase. Failed is reachable
// from every non-final phase and is not listed.
type successors struct {
	next []string
}

func (s *successors) VisitSpec(SpecPhase)         { s.next = []string{"plan"} }
func (s *successors) VisitPlan(PlanPhase)         { s.next = []string{"execute"} }
func (s *successors) VisitExecute(ExecutePhase)   { s.next = []string{"verify", "complete"} }
func (s *successors) VisitVerify(VerifyPhase)     { s.next = []string{"repair", "complete"} }
func (s *successors) VisitRepair(RepairPhase)     { s.next = []string{"verify"} }
func (s *successors) VisitComplete(CompletePhase) { s.next = nil }
func (s *successors) VisitFailed(FailedPhase)     { s.next = nil }

// CheckTransition validates moving from one phase to another. A nil from is the
// start of a run, which may enter Spec or Execute.
func CheckTransition(from, to Phase) error {
	if to == nil {
		return fmt.Errorf("%w: no target phase", ErrIllegalTransition)
	}
	if from == nil {
		switch to.(type) {
		case SpecPhase, ExecutePhase, FailedPhase:
			return nil
		}
		return fmt.Errorf("%w: run cannot start in %s", ErrIllegalTransition, to.Name())
	}
	if IsFinal(from) {
		return fmt.Errorf("%w: %s is final", ErrIllegalTransition, from.Name())
	}
	if _, ok := to.(FailedPhase); ok {
		return nil
	}

	var s successors
	from.Accept(&s)
	for _, name := range s.next {
		if name == to.Name() {
			return checkCycle(from, to)
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from.Name(), to.Name())
}

// checkCycle keeps the repair counter moving forward: Verify(n) -> Repair(n+1)
// and Repair(n) -> Verify(n).
func checkCycle(from, to Phase) error {
	switch f := from.(type) {
	case VerifyPhase:
		if r, ok := to.(RepairPhase); ok && r.Cycle != f.Cycle+1 {
			return fmt.Errorf("%w: verify cycle %d -> repair cycle %d", ErrIllegalTransition, f.Cycle, r.Cycle)
		}
	case RepairPhase:
		if v, ok := to.(VerifyPhase); ok && v.Cycle != f.Cycle {
			return fmt.Errorf("%w: repair cycle %d -> verify cycle %d", ErrIllegalTransition, f.Cycle, v.Cycle)
		}
	}
	return nil
}

// phaseInfo renders the progress message and cycle of a phase.
type phaseInfo struct {
	message string
	cycle   int
}

func (i *phaseInfo) VisitSpec(SpecPhase) { i.message = "Analysing the request and writing a specification" }

func (i *phaseInfo) VisitPlan(PlanPhase) { i.message = "Planning" }

func (i *phaseInfo) VisitExecute(ExecutePhase) { i.message = "Executing" }

func (i *phaseInfo) VisitVerify(p VerifyPhase) {
	i.cycle = p.Cycle
	i.message = "Running QA verification"
	if p.Cycle > 0 {
		i.message = fmt.Sprintf("Re-verifying after repair %d", p.Cycle)
	}
}

func (i *phaseInfo) VisitRepair(p RepairPhase) {
	i.cycle = p.Cycle
	i.message = fmt.Sprintf("Repairing (cycle %d)", p.Cycle)
}

func (i *phaseInfo) VisitComplete(CompletePhase) { i.message = "Done" }

func (i *phaseInfo) VisitFailed(p FailedPhase) {
	i.message = fmt.Sprintf("Failed during %s: %s", p.At, p.Reason)
}

func describe(p Phase) phaseInfo {
	var i phaseInfo
	p.Accept(&i)
	return i
}
