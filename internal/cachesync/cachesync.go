// Package cachesync decides how the local entity caches react to change
// events. Every handler is a pure function of the event, the cached entry,
// the viewer's route and the current user; the caller applies the returned
// mutations to a Store.
package cachesync

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/zsprackett/eventsync/internal/route"
)

// ErrNotFound is returned by Store.Lookup when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Kind is the entity type of a cache entry.
type Kind string

const (
	KindProject     Kind = "project"
	KindApplication Kind = "application"
	KindPipeline    Kind = "pipeline"
	KindWorkflow    Kind = "workflow"
	KindRun         Kind = "workflow_run"
	KindNodeRun     Kind = "node_run"
	KindBroadcast   Kind = "broadcast"
	KindOperation   Kind = "operation"
	KindJobRun      Kind = "job_run"
)

// Kinds lists every kind, in display order.
var Kinds = []Kind{
	KindProject, KindApplication, KindPipeline, KindWorkflow,
	KindRun, KindNodeRun, KindBroadcast, KindOperation, KindJobRun,
}

// Key identifies one cache entry. Which fields are set depends on Kind.
type Key struct {
	Kind      Kind   `json:"kind"`
	Project   string `json:"project,omitempty"`
	Name      string `json:"name,omitempty"`
	RunNumber int64  `json:"run_number,omitempty"`
	NodeRunID int64  `json:"node_run_id,omitempty"`
	ID        string `json:"id,omitempty"`
}

// ProjectKey keys a project summary.
func ProjectKey(project string) Key {
	return Key{Kind: KindProject, Project: project}
}

// ApplicationKey keys an application within its project.
func ApplicationKey(project, name string) Key {
	return Key{Kind: KindApplication, Project: project, Name: name}
}

// PipelineKey keys a pipeline within its project.
func PipelineKey(project, name string) Key {
	return Key{Kind: KindPipeline, Project: project, Name: name}
}

// WorkflowKey keys a workflow within its project.
func WorkflowKey(project, name string) Key {
	return Key{Kind: KindWorkflow, Project: project, Name: name}
}

// RunKey keys run num of a workflow.
func RunKey(project, workflow string, num int64) Key {
	return Key{Kind: KindRun, Project: project, Name: workflow, RunNumber: num}
}

// NodeRunKey keys one node run of a workflow run.
func NodeRunKey(project, workflow string, num, nodeRunID int64) Key {
	return Key{Kind: KindNodeRun, Project: project, Name: workflow, RunNumber: num, NodeRunID: nodeRunID}
}

// BroadcastKey keys a broadcast by id.
func BroadcastKey(id string) Key {
	return Key{Kind: KindBroadcast, ID: id}
}

// OperationKey keys an operation snapshot by its uuid.
func OperationKey(uuid string) Key {
	return Key{Kind: KindOperation, ID: uuid}
}

// JobRunKey keys a build queue entry by job run id.
func JobRunKey(id int64) Key {
	return Key{Kind: KindJobRun, ID: strconv.FormatInt(id, 10)}
}

// String returns the natural key of the entry, e.g. "P1" or "P1/app".
func (k Key) String() string {
	switch k.Kind {
	case KindProject:
		return k.Project
	case KindApplication, KindPipeline, KindWorkflow:
		return k.Project + "/" + k.Name
	case KindRun:
		return k.Project + "/" + k.Name + "/" + strconv.FormatInt(k.RunNumber, 10)
	case KindNodeRun:
		return strings.Join([]string{
			k.Project, k.Name,
			strconv.FormatInt(k.RunNumber, 10),
			strconv.FormatInt(k.NodeRunID, 10),
		}, "/")
	}
	return k.ID
}

// Entry is a locally held snapshot of a server-owned entity.
type Entry struct {
	Key            Key
	Data           json.RawMessage
	ExternalChange bool
	ExternalActor  string
	UpdatedAt      time.Time
}

// LoadOption restricts a resync to one sub-resource of an entity. Query is
// the API flag requesting it, Field the JSON field it fills.
type LoadOption struct {
	Query string `json:"query"`
	Field string `json:"field"`
}

var (
	WithVariables            = LoadOption{"withVariables", "variables"}
	WithGroups               = LoadOption{"withGroups", "groups"}
	WithKeys                 = LoadOption{"withKeys", "keys"}
	WithIntegrations         = LoadOption{"withIntegrations", "integrations"}
	WithApplicationNames     = LoadOption{"withApplicationNames", "application_names"}
	WithPipelineNames        = LoadOption{"withPipelineNames", "pipeline_names"}
	WithEnvironmentNames     = LoadOption{"withEnvironmentNames", "environment_names"}
	WithWorkflowNames        = LoadOption{"withWorkflowNames", "workflow_names"}
	WithLabels               = LoadOption{"withLabels", "labels"}
	WithVCSStrategy          = LoadOption{"withVCSStrategy", "vcs_strategy"}
	WithDeploymentStrategies = LoadOption{"withDeploymentStrategies", "deployment_strategies"}
	WithStages               = LoadOption{"withStages", "stages"}
	WithAudits               = LoadOption{"withAudits", "audits"}
)

// Op is the kind of a cache mutation.
type Op string

const (
	OpEvict              Op = "evict"
	OpMarkExternalChange Op = "mark_external_change"
	OpResync             Op = "resync"
	OpReplaceOrInsert    Op = "replace_or_insert"
	OpRemoveByID         Op = "remove_by_id"
	OpRemoveChildName    Op = "remove_child_name"

	// OpFetchRun asks the caller to fetch a run on its own and upsert it into
	// the run list. It never reaches the Store as is.
	OpFetchRun Op = "fetch_run"
)

// Mutation is one change to apply to the cache.
type Mutation struct {
	Op      Op
	Key     Key
	Actor   string          // OpMarkExternalChange
	Options []LoadOption    // OpResync; empty means the full entity
	Data    json.RawMessage // OpReplaceOrInsert
	Child   Kind            // OpRemoveChildName
	Name    string          // OpRemoveChildName
}

// Evict drops the entry for k.
func Evict(k Key) Mutation {
	return Mutation{Op: OpEvict, Key: k}
}

// MarkExternalChange flags k as modified by actor.
func MarkExternalChange(k Key, actor string) Mutation {
	return Mutation{Op: OpMarkExternalChange, Key: k, Actor: actor}
}

// Resync queues a refetch of k, limited to opts when given.
func Resync(k Key, opts ...LoadOption) Mutation {
	return Mutation{Op: OpResync, Key: k, Options: opts}
}

// ReplaceOrInsert stores data under k.
func ReplaceOrInsert(k Key, data json.RawMessage) Mutation {
	return Mutation{Op: OpReplaceOrInsert, Key: k, Data: data}
}

// RemoveByID deletes the list element keyed by k.
func RemoveByID(k Key) Mutation {
	return Mutation{Op: OpRemoveByID, Key: k}
}

// RemoveChildName strips a child's name from a project's cached summary.
func RemoveChildName(project string, child Kind, name string) Mutation {
	return Mutation{Op: OpRemoveChildName, Key: ProjectKey(project), Child: child, Name: name}
}

// FetchRun asks for run k to be fetched and upserted into the run list.
func FetchRun(k Key) Mutation {
	return Mutation{Op: OpFetchRun, Key: k}
}

// OpenedKeys lists the entities rc has open, outermost first.
func OpenedKeys(rc route.Context) []Key {
	if rc.ProjectKey == "" {
		return nil
	}
	keys := []Key{ProjectKey(rc.ProjectKey)}
	switch {
	case rc.ApplicationName != "":
		keys = append(keys, ApplicationKey(rc.ProjectKey, rc.ApplicationName))
	case rc.PipelineName != "":
		keys = append(keys, PipelineKey(rc.ProjectKey, rc.PipelineName))
	case rc.WorkflowName != "":
		keys = append(keys, WorkflowKey(rc.ProjectKey, rc.WorkflowName))
		if rc.RunNumber > 0 {
			keys = append(keys, RunKey(rc.ProjectKey, rc.WorkflowName, rc.RunNumber))
			if rc.NodeRunID > 0 {
				keys = append(keys, NodeRunKey(rc.ProjectKey, rc.WorkflowName, rc.RunNumber, rc.NodeRunID))
			}
		}
	}
	return keys
}

// Store is the cache the engine reads from and writes to.
type Store interface {
	// Lookup is a single-shot read; it returns ErrNotFound for absent keys.
	Lookup(ctx context.Context, key Key) (Entry, error)
	Dispatch(ctx context.Context, m Mutation) error
}
