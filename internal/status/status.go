// Package status is the single source of truth for legal status values and
// transition edges. It is pure data: no storage, no side effects. Every call
// site that needs to know whether a move is allowed asks this package instead
// of carrying its own adjacency table.
package status

// Project lifecycle statuses. The COMPLETE/APPROVED/FINISHED chain is the
// canonical lifecycle; ACTIVE, COMPLETED and CANCELLED are the legacy
// vocabulary kept for rows written by older intake tooling. Legacy values
// have no outgoing edges.
const (
	ProjectIntake     = "INTAKE"
	ProjectPlanning   = "PLANNING"
	ProjectReview     = "REVIEW"
	ProjectApproved   = "APPROVED"
	ProjectInProgress = "IN_PROGRESS"
	ProjectActive     = "ACTIVE"
	ProjectComplete   = "COMPLETE"
	ProjectCompleted  = "COMPLETED"
	ProjectFinished   = "FINISHED"
	ProjectCancelled  = "CANCELLED"
)

// Sprint statuses. COMPLETED is terminal; startedAt/completedAt are stamped
// on first entry to IN_PROGRESS/COMPLETED and never overwritten.
const (
	SprintPlanned          = "PLANNED"
	SprintInProgress       = "IN_PROGRESS"
	SprintReview           = "REVIEW"
	SprintAwaitingApproval = "AWAITING_APPROVAL"
	SprintCompleted        = "COMPLETED"
	SprintBlocked          = "BLOCKED"
)

// Workflow statuses for the role-to-role handoff cycle.
const (
	WorkflowImplementing     = "IMPLEMENTING"
	WorkflowReviewing        = "REVIEWING"
	WorkflowTesting          = "TESTING"
	WorkflowAwaitingApproval = "AWAITING_APPROVAL"
	WorkflowCompleted        = "COMPLETED"
)

// Approval statuses for the plan-approval axis, independent of project status.
const (
	ApprovalPending           = "PENDING"
	ApprovalApproved          = "APPROVED"
	ApprovalRejected          = "REJECTED"
	ApprovalRevisionRequested = "REVISION_REQUESTED"
)

// Workflow roles.
const (
	RoleImplementer = "Implementer"
	RoleReviewer    = "Reviewer"
	RoleQA          = "QA"
	RolePM          = "PM"
)

// Decision tags observed on handoffs. Free text is permitted; these drive the
// default next-step checklist in generated handoff documents.
const (
	DecisionApprove        = "APPROVE"
	DecisionRequestChanges = "REQUEST_CHANGES"
	DecisionAccept         = "ACCEPT"
	DecisionReject         = "REJECT"
	DecisionFixRequired    = "FIX_REQUIRED"
)

// projectEdges lists every legal project transition. A status absent as a key
// has zero outgoing edges, which makes it terminal; self-transitions are
// illegal unless listed.
var projectEdges = map[string][]string{
	ProjectInProgress: {ProjectComplete},
	ProjectComplete:   {ProjectInProgress, ProjectApproved},
	ProjectApproved:   {ProjectComplete, ProjectFinished},
}

var workflowEdges = map[string][]string{
	WorkflowImplementing:     {WorkflowReviewing},
	WorkflowReviewing:        {WorkflowTesting, WorkflowImplementing},
	WorkflowTesting:          {WorkflowAwaitingApproval, WorkflowImplementing},
	WorkflowAwaitingApproval: {WorkflowCompleted, WorkflowImplementing},
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// IsLegalProjectTransition reports whether from -> to is an edge in the
// project lifecycle graph.
func IsLegalProjectTransition(from, to string) bool {
	return contains(projectEdges[from], to)
}

// IsLegalWorkflowTransition reports whether from -> to is an edge in the
// role workflow graph.
func IsLegalWorkflowTransition(from, to string) bool {
	return contains(workflowEdges[from], to)
}

// IsArchival reports whether a project status sets archivedAt. archivedAt is
// non-null iff the current status is archival.
func IsArchival(s string) bool { return s == ProjectFinished }

// SprintStatusFor maps a workflow status to the sprint status it implies.
// The bool is false for unknown workflow statuses.
func SprintStatusFor(workflow string) (string, bool) {
	switch workflow {
	case WorkflowImplementing:
		return SprintInProgress, true
	case WorkflowReviewing, WorkflowTesting, WorkflowAwaitingApproval:
		return SprintReview, true
	case WorkflowCompleted:
		return SprintCompleted, true
	}
	return "", false
}

// ProjectStatuses returns every known project status value, canonical and
// legacy, for request validation.
func ProjectStatuses() []string {
	return []string{
		ProjectIntake, ProjectPlanning, ProjectReview, ProjectApproved,
		ProjectInProgress, ProjectActive, ProjectComplete, ProjectCompleted,
		ProjectFinished, ProjectCancelled,
	}
}

func WorkflowStatuses() []string {
	return []string{
		WorkflowImplementing, WorkflowReviewing, WorkflowTesting,
		WorkflowAwaitingApproval, WorkflowCompleted,
	}
}

func Roles() []string {
	return []string{RoleImplementer, RoleReviewer, RoleQA, RolePM}
}

func ApprovalStatuses() []string {
	return []string{ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalRevisionRequested}
}

// IsProjectStatus reports whether s is a known project status value.
func IsProjectStatus(s string) bool { return contains(ProjectStatuses(), s) }

// IsWorkflowStatus reports whether s is a known workflow status value.
func IsWorkflowStatus(s string) bool { return contains(WorkflowStatuses(), s) }

// IsRole reports whether s is one of the four workflow roles.
func IsRole(s string) bool { return contains(Roles(), s) }

// IsApprovalStatus reports whether s is a known approval status value.
func IsApprovalStatus(s string) bool { return contains(ApprovalStatuses(), s) }
