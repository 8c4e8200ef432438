// Package route tracks which entity the viewer currently has open.
package route

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Context is the viewer's current navigation coordinates. Zero values mean
// "nothing open" at that level.
type Context struct {
	ProjectKey      string `json:"project_key,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
	PipelineName    string `json:"pipeline_name,omitempty"`
	WorkflowName    string `json:"workflow_name,omitempty"`
	RunNumber       int64  `json:"run_number,omitempty"`
	NodeRunID       int64  `json:"node_run_id,omitempty"`
}

func (c Context) OnProject(key string) bool {
	return c.ProjectKey != "" && c.ProjectKey == key
}

func (c Context) OnApplication(key, name string) bool {
	return c.OnProject(key) && c.ApplicationName == name
}

func (c Context) OnPipeline(key, name string) bool {
	return c.OnProject(key) && c.PipelineName == name
}

func (c Context) OnWorkflow(key, name string) bool {
	return c.OnProject(key) && c.WorkflowName == name
}

// Path renders c back into the form accepted by Parse.
func (c Context) Path() string {
	if c.ProjectKey == "" {
		return "/"
	}
	var b strings.Builder
	b.WriteString("/project/" + c.ProjectKey)
	switch {
	case c.ApplicationName != "":
		b.WriteString("/application/" + c.ApplicationName)
	case c.PipelineName != "":
		b.WriteString("/pipeline/" + c.PipelineName)
	case c.WorkflowName != "":
		b.WriteString("/workflow/" + c.WorkflowName)
		if c.RunNumber > 0 {
			b.WriteString("/run/" + strconv.FormatInt(c.RunNumber, 10))
			if c.NodeRunID > 0 {
				b.WriteString("/node/" + strconv.FormatInt(c.NodeRunID, 10))
			}
		}
	}
	return b.String()
}

// Parse reads a UI path such as /project/P1/workflow/W1/run/5/node/12.
// Unknown trailing segments are ignored, so settings sub-pages of an entity
// still count as viewing it.
func Parse(path string) (Context, error) {
	var c Context
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return c, nil
	}
	if parts[0] != "project" {
		// Pages outside a project (settings, admin, home).
		return c, nil
	}
	if len(parts) < 2 {
		return c, fmt.Errorf("route %q: missing project key", path)
	}
	c.ProjectKey = parts[1]
	rest := parts[2:]
	if len(rest) < 2 {
		return c, nil
	}
	switch rest[0] {
	case "application":
		c.ApplicationName = rest[1]
	case "pipeline":
		c.PipelineName = rest[1]
	case "workflow":
		c.WorkflowName = rest[1]
		rest = rest[2:]
		if len(rest) >= 2 && rest[0] == "run" {
			num, err := strconv.ParseInt(rest[1], 10, 64)
			if err != nil || num <= 0 {
				return c, fmt.Errorf("route %q: invalid run number %q", path, rest[1])
			}
			c.RunNumber = num
			rest = rest[2:]
			if len(rest) >= 2 && rest[0] == "node" {
				id, err := strconv.ParseInt(rest[1], 10, 64)
				if err != nil || id <= 0 {
					return c, fmt.Errorf("route %q: invalid node run id %q", path, rest[1])
				}
				c.NodeRunID = id
			}
		}
	}
	return c, nil
}

// Tracker holds the latest Context published by the navigation layer.
type Tracker struct {
	mu   sync.RWMutex
	ctx  Context
	subs []func(Context)
}

func NewTracker(initial Context) *Tracker {
	return &Tracker{ctx: initial}
}

// Subscribe registers fn to run after every route change. fn runs on the
// goroutine calling Set.
func (t *Tracker) Subscribe(fn func(Context)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// Set publishes c. Subscribers are only told when the route changed.
func (t *Tracker) Set(c Context) {
	t.mu.Lock()
	changed := t.ctx != c
	t.ctx = c
	subs := t.subs
	t.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range subs {
		fn(c)
	}
}

// Current returns a snapshot of the route context.
func (t *Tracker) Current() Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ctx
}
