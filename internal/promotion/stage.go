package promotion

// Stage is the lifecycle position of a change request.
type Stage string

const (
	StageDraft     Stage = "draft"
	StageSubmitted Stage = "submitted"
	StageInReview  Stage = "in_review"
	StageTesting   Stage = "testing"
	StageApproved  Stage = "approved"
	StageRejected  Stage = "rejected"
	StagePublished Stage = "published"
)

func (s Stage) Valid() bool {
	switch s {
	case StageDraft, StageSubmitted, StageInReview, StageTesting, StageApproved, StageRejected, StagePublished:
		return true
	}
	return false
}

type Action string

const (
	ActionCreate   Action = "create"
	ActionSubmit   Action = "submit"
	ActionPickUp   Action = "pick_up"
	ActionRunTests Action = "run_tests"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionResubmit Action = "resubmit"
	ActionPublish  Action = "publish"
	ActionRollback Action = "rollback"
)

type Role string

const (
	RoleMaker   Role = "maker"
	RoleChecker Role = "checker"
)

func (r Role) Valid() bool { return r == RoleMaker || r == RoleChecker }

type ChangeType string

const (
	ChangeWorkflow ChangeType = "workflow"
	ChangeAPI      ChangeType = "api"
)

func (t ChangeType) Valid() bool { return t == ChangeWorkflow || t == ChangeAPI }

type rule struct {
	role Role
	from []Stage
	to   Stage
}

func (r rule) allows(s Stage) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

// rules covers every action that moves an existing change request. Create
// and rollback are handled separately because they have no source stage.
var rules = map[Action]rule{
	ActionSubmit:   {role: RoleMaker, from: []Stage{StageDraft}, to: StageSubmitted},
	ActionPickUp:   {role: RoleChecker, from: []Stage{StageSubmitted}, to: StageInReview},
	ActionRunTests: {role: RoleChecker, from: []Stage{StageInReview, StageTesting}, to: StageTesting},
	ActionApprove:  {role: RoleChecker, from: []Stage{StageInReview, StageTesting}, to: StageApproved},
	ActionReject:   {role: RoleChecker, from: []Stage{StageInReview, StageTesting}, to: StageRejected},
	ActionResubmit: {role: RoleMaker, from: []Stage{StageRejected}, to: StageSubmitted},
	ActionPublish:  {role: RoleChecker, from: []Stage{StageApproved}, to: StagePublished},
}

// actionOrder is the order AvailableActions reports actions in.
var actionOrder = []Action{
	ActionSubmit, ActionPickUp, ActionRunTests, ActionApprove, ActionReject, ActionResubmit, ActionPublish,
}

// Authorize checks that role may perform action on a change request in
// stage. The role is checked before the stage.
func Authorize(id string, stage Stage, role Role, action Action) error {
	r, ok := rules[action]
	if !ok {
		return &InvalidTransitionError{ID: id, State: string(stage), Action: action}
	}
	if role != r.role {
		return &ForbiddenTransitionError{Action: action, Role: role, Required: r.role}
	}
	if !r.allows(stage) {
		return &InvalidTransitionError{ID: id, State: string(stage), Action: action}
	}
	return nil
}

// Can reports whether role may perform action from stage.
func Can(stage Stage, role Role, action Action) bool {
	return Authorize("", stage, role, action) == nil
}

// AvailableActions lists what role can do to a change request in stage.
func AvailableActions(stage Stage, role Role) []Action {
	var out []Action
	for _, a := range actionOrder {
		if Can(stage, role, a) {
			out = append(out, a)
		}
	}
	return out
}

func StageDescription(s Stage) string {
	switch s {
	case StageDraft:
		return "Change is being prepared by a maker"
	case StageSubmitted:
		return "Change is waiting for a checker"
	case StageInReview:
		return "A checker is reviewing the change"
	case StageTesting:
		return "Regression tests have been run against the change"
	case StageApproved:
		return "Change is approved and ready to publish"
	case StageRejected:
		return "Change was rejected or rolled back"
	case StagePublished:
		return "Change is live as a published version"
	default:
		return "Unknown stage"
	}
}

func ParseAction(s string) (Action, bool) {
	a := Action(s)
	if _, ok := rules[a]; ok {
		return a, true
	}
	if a == ActionCreate || a == ActionRollback {
		return a, true
	}
	return "", false
}
