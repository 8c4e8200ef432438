// Package filter holds the client-owned subscription filter sent to the
// server on every connect.
package filter

import (
	"slices"
	"sync"
)

// ProjectFilter lists workflows of one project whose run activity is already
// on screen elsewhere.
type ProjectFilter struct {
	Key           string   `json:"key"`
	WorkflowNames []string `json:"workflow_names"`
}

// Filter is the message sent verbatim to the server.
type Filter struct {
	Projects  []ProjectFilter `json:"projects"`
	Operation string          `json:"operation,omitempty"`
}

// Mutes reports whether run activity of workflow in project should stay out
// of the timeline.
func (f Filter) Mutes(projectKey, workflowName string) bool {
	for _, p := range f.Projects {
		if p.Key != projectKey {
			continue
		}
		if slices.Contains(p.WorkflowNames, workflowName) {
			return true
		}
	}
	return false
}

// Mute returns a copy of f with workflow added to the project's mute list.
func (f Filter) Mute(projectKey, workflowName string) Filter {
	out := f.Clone()
	for i, p := range out.Projects {
		if p.Key == projectKey {
			if !slices.Contains(p.WorkflowNames, workflowName) {
				out.Projects[i].WorkflowNames = append(p.WorkflowNames, workflowName)
			}
			return out
		}
	}
	out.Projects = append(out.Projects, ProjectFilter{Key: projectKey, WorkflowNames: []string{workflowName}})
	return out
}

// Unmute returns a copy of f without workflow in the project's mute list.
// Projects left with no workflow are dropped.
func (f Filter) Unmute(projectKey, workflowName string) Filter {
	out := f.Clone()
	projects := out.Projects[:0]
	for _, p := range out.Projects {
		if p.Key == projectKey {
			p.WorkflowNames = slices.DeleteFunc(p.WorkflowNames, func(n string) bool { return n == workflowName })
			if len(p.WorkflowNames) == 0 {
				continue
			}
		}
		projects = append(projects, p)
	}
	out.Projects = projects
	return out
}

// Clone returns a deep copy of f.
func (f Filter) Clone() Filter {
	out := Filter{Operation: f.Operation}
	if f.Projects != nil {
		out.Projects = make([]ProjectFilter, len(f.Projects))
		for i, p := range f.Projects {
			out.Projects[i] = ProjectFilter{Key: p.Key, WorkflowNames: slices.Clone(p.WorkflowNames)}
		}
	}
	return out
}

// Holder is the single active filter. The zero value holds no filter.
type Holder struct {
	mu  sync.RWMutex
	f   Filter
	set bool
}

// Set replaces the active filter.
func (h *Holder) Set(f Filter) {
	h.mu.Lock()
	h.f = f.Clone()
	h.set = true
	h.mu.Unlock()
}

// Get returns a copy of the active filter and whether one has been set.
func (h *Holder) Get() (Filter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.f.Clone(), h.set
}

// Update applies fn to the active filter (the zero Filter if none is set)
// and stores the result.
func (h *Holder) Update(fn func(Filter) Filter) Filter {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.f = fn(h.f.Clone())
	h.set = true
	return h.f.Clone()
}
