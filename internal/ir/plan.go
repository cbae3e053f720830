package ir

// Plan is a calculated execution plan for one unit.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	Timestamp      string  `json:"timestamp"`
	Unit           string  `json:"unit"`
	ConfigHash     string  `json:"configHash"`
	PriorStateHash *string `json:"priorStateHash,omitempty"`
}

// Change actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionNoop   = "noop"
)

type ResourceChange struct {
	Address string                   `json:"address"`
	Kind    Kind                     `json:"kind"`
	Action  string                   `json:"action"`
	Desired *Resource                `json:"resource,omitempty"`
	Prior   *ResourceState           `json:"prior,omitempty"`
	Diff    map[string]*PropertyDiff `json:"diff,omitempty"`
}

type PropertyDiff struct {
	Before any    `json:"before"`
	After  any    `json:"after"`
	Action string `json:"action"` // "create", "update", "delete"
}

type PlanSummary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	NoOp   int `json:"noop"`
}

// HasChanges reports whether applying the plan would call any provider.
func (s *PlanSummary) HasChanges() bool {
	return s.Create+s.Update+s.Delete > 0
}
