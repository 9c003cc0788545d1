package engine

import "github.com/pitabwire/flowline/model"

// The sequencer is pure and reads template structure only: a flow's shape is
// a strictly linear chain determined by stage order values. Order values are
// unique positive integers within a template (enforced at authoring time);
// contiguity is not mandated, so a missing successor order simply means the
// chain ends there.

// FirstStage returns the stage with order 1, falling back to the
// minimum-order stage so behavior stays defined for malformed templates.
// Returns nil if the template has no stages.
func FirstStage(tpl *model.FlowTemplate) *model.Stage {
	if len(tpl.Stages) == 0 {
		return nil
	}
	var min *model.Stage
	for i := range tpl.Stages {
		s := &tpl.Stages[i]
		if s.Order == 1 {
			return s
		}
		if min == nil || s.Order < min.Order || (s.Order == min.Order && s.ID < min.ID) {
			min = s
		}
	}
	return min
}

// NextStage returns the stage whose order is exactly current.Order+1, or nil
// when no such stage exists (current is terminal).
func NextStage(tpl *model.FlowTemplate, current *model.Stage) *model.Stage {
	return stageWithOrder(tpl, current.Order+1)
}

// PrevStage returns the stage whose order is exactly current.Order-1, or nil
// when current is the first stage.
func PrevStage(tpl *model.FlowTemplate, current *model.Stage) *model.Stage {
	return stageWithOrder(tpl, current.Order-1)
}

// stageWithOrder returns the stage with the given order value. Duplicate
// orders are rejected at authoring time; if one slips through anyway, the
// lowest stage ID wins so resolution stays deterministic.
func stageWithOrder(tpl *model.FlowTemplate, order int) *model.Stage {
	var found *model.Stage
	for i := range tpl.Stages {
		s := &tpl.Stages[i]
		if s.Order != order {
			continue
		}
		if found == nil || s.ID < found.ID {
			found = s
		}
	}
	return found
}
