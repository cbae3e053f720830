package ir

// StateVersion is the current on-disk state format.
const StateVersion = 1

// State is the persisted observed state of one provisioning unit.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Unit      string           `json:"unit"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

type ResourceState struct {
	Kind         Kind           `json:"kind"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Inputs       map[string]any `json:"inputs"`     // Desired properties as declared
	InputsHash   string         `json:"inputsHash"` // Hash of Inputs minus ignored fields
	Outputs      map[string]any `json:"outputs"`    // Provider observed
	Dependencies []string       `json:"dependencies,omitempty"`
	Lifecycle    *Lifecycle     `json:"lifecycle,omitempty"`
}

// Converged reports whether the last apply of the resource reached its desired state.
func (r *ResourceState) Converged() bool {
	return r.InputsHash != ""
}

// Lookup returns the state of the named resource.
func (s *State) Lookup(name string) *ResourceState {
	if s == nil {
		return nil
	}
	for _, r := range s.Resources {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Upsert replaces the state of rs.Name or appends rs.
func (s *State) Upsert(rs *ResourceState) {
	for i, r := range s.Resources {
		if r.Name == rs.Name {
			s.Resources[i] = rs
			return
		}
	}
	s.Resources = append(s.Resources, rs)
}

// Remove deletes the named resource and reports whether it was present.
func (s *State) Remove(name string) bool {
	for i, r := range s.Resources {
		if r.Name == name {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return true
		}
	}
	return false
}

// Endpoint returns the published endpoint, if an Output node has been applied.
func (s *State) Endpoint() *Endpoint {
	if s == nil {
		return nil
	}
	for _, r := range s.Resources {
		if r.Kind != KindOutput || r.Outputs == nil {
			continue
		}
		dns, _ := r.Outputs["dnsName"].(string)
		ready, _ := r.Outputs["readyState"].(string)
		return &Endpoint{DNSName: dns, ReadyState: ReadyState(ready)}
	}
	return nil
}
