package engine

import (
	"context"
	"sort"

	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/model"
)

// ResolveAssignee maps a stage's assignment rule to a concrete user. It has
// no side effects: given the same template snapshot, initiator, and directory
// contents it always returns the same user.
//
//   - user:      the user with ID AssignmentTargetID
//   - role:      the member of the template role with the LOWEST user ID;
//     the deterministic tie-break is part of the contract and is
//     asserted in tests
//   - initiator: the flow's initiator, unconditionally
//   - external:  never resolvable in this version
func ResolveAssignee(ctx context.Context, stage *model.Stage, tpl *model.FlowTemplate, initiator model.User, dir identity.Directory) (model.User, error) {
	switch stage.AssignmentType {
	case model.AssignmentUser:
		if stage.AssignmentTargetID == "" {
			return model.User{}, unresolvable(stage, "no target user configured")
		}
		u, err := dir.Get(ctx, stage.AssignmentTargetID)
		if err != nil {
			return model.User{}, unresolvable(stage, "target user does not exist")
		}
		return u, nil

	case model.AssignmentRole:
		if stage.AssignmentTargetID == "" {
			return model.User{}, unresolvable(stage, "no target role configured")
		}
		role := tpl.RoleByID(stage.AssignmentTargetID)
		if role == nil {
			return model.User{}, unresolvable(stage, "target role does not exist")
		}
		if len(role.MemberIDs) == 0 {
			return model.User{}, unresolvable(stage, "role has no members")
		}
		members := make([]string, len(role.MemberIDs))
		copy(members, role.MemberIDs)
		sort.Strings(members)
		u, err := dir.Get(ctx, members[0])
		if err != nil {
			return model.User{}, unresolvable(stage, "role member does not exist")
		}
		return u, nil

	case model.AssignmentInitiator:
		return initiator, nil

	case model.AssignmentExternal:
		return model.User{}, unresolvable(stage, "external assignment is not supported")

	default:
		return model.User{}, unresolvable(stage, "unknown assignment type")
	}
}

func unresolvable(stage *model.Stage, reason string) *model.ErrorEnvelope {
	return model.Errorf(model.ErrAssigneeUnresolvable,
		"cannot resolve assignee for stage %q (assignment_type=%s): %s",
		stage.Name, stage.AssignmentType, reason)
}
