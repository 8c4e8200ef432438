package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Type is a change-notification kind. Types are hierarchical: every concrete
// type starts with the prefix of the family it belongs to.
type Type string

const (
	Operation Type = "sdk.Operation"

	ProjectPrefix            Type = "sdk.EventProject"
	ProjectAdd               Type = "sdk.EventProjectAdd"
	ProjectUpdate            Type = "sdk.EventProjectUpdate"
	ProjectDelete            Type = "sdk.EventProjectDelete"
	ProjectVariablePrefix    Type = "sdk.EventProjectVariable"
	ProjectPermissionPrefix  Type = "sdk.EventProjectPermission"
	ProjectKeyPrefix         Type = "sdk.EventProjectKey"
	ProjectIntegrationPrefix Type = "sdk.EventProjectIntegration"

	EnvironmentPrefix Type = "sdk.EventEnvironment"

	ApplicationPrefix                   Type = "sdk.EventApplication"
	ApplicationAdd                      Type = "sdk.EventApplicationAdd"
	ApplicationUpdate                   Type = "sdk.EventApplicationUpdate"
	ApplicationDelete                   Type = "sdk.EventApplicationDelete"
	ApplicationVariablePrefix           Type = "sdk.EventApplicationVariable"
	ApplicationKeyPrefix                Type = "sdk.EventApplicationKey"
	ApplicationRepositoryPrefix         Type = "sdk.EventApplicationRepository"
	ApplicationDeploymentStrategyPrefix Type = "sdk.EventApplicationDeploymentStrategy"

	PipelinePrefix          Type = "sdk.EventPipeline"
	PipelineAdd             Type = "sdk.EventPipelineAdd"
	PipelineUpdate          Type = "sdk.EventPipelineUpdate"
	PipelineDelete          Type = "sdk.EventPipelineDelete"
	PipelineParameterPrefix Type = "sdk.EventPipelineParameter"
	PipelineStagePrefix     Type = "sdk.EventPipelineStage"
	PipelineJobPrefix       Type = "sdk.EventPipelineJob"
	PipelineAuditPrefix     Type = "sdk.EventPipelineAudit"

	WorkflowPrefix Type = "sdk.EventWorkflow"
	WorkflowAdd    Type = "sdk.EventWorkflowAdd"
	WorkflowUpdate Type = "sdk.EventWorkflowUpdate"
	WorkflowDelete Type = "sdk.EventWorkflowDelete"

	// RunWorkflow is both the family prefix of run events and the exact type
	// the server emits when a run starts or changes status.
	RunWorkflow        Type = "sdk.EventRunWorkflow"
	RunWorkflowNode    Type = "sdk.EventRunWorkflowNode"
	RunWorkflowNodeJob Type = "sdk.EventRunWorkflowJob"

	BroadcastPrefix Type = "sdk.EventBroadcast"
	BroadcastAdd    Type = "sdk.EventBroadcastAdd"
	BroadcastUpdate Type = "sdk.EventBroadcastUpdate"
	BroadcastDelete Type = "sdk.EventBroadcastDelete"
)

// HasPrefix reports whether t belongs to the family named by prefix.
func (t Type) HasPrefix(prefix Type) bool {
	return prefix != "" && strings.HasPrefix(string(t), string(prefix))
}

// TouchesVariables reports whether t edits a variable or parameter of an
// entity. Such edits are echoed back by the API response that made them.
func (t Type) TouchesVariables() bool {
	s := string(t)
	return strings.Contains(s, "Variable") || strings.Contains(s, "Parameter")
}

// Family identifies the per-entity handler an event is dispatched to.
type Family string

const (
	FamilyNone        Family = ""
	FamilyApplication Family = "application"
	FamilyPipeline    Family = "pipeline"
	FamilyWorkflow    Family = "workflow"
	FamilyRun         Family = "run"
	FamilyBroadcast   Family = "broadcast"
)

// DispatchOrder is the priority list used to pick the single per-entity
// handler of an event. The first matching prefix wins.
var DispatchOrder = []struct {
	Prefix Type
	Family Family
}{
	{ApplicationPrefix, FamilyApplication},
	{PipelinePrefix, FamilyPipeline},
	{WorkflowPrefix, FamilyWorkflow},
	{RunWorkflow, FamilyRun},
	{BroadcastPrefix, FamilyBroadcast},
}

// FamilyOf returns the per-entity family of t, or FamilyNone.
func FamilyOf(t Type) Family {
	for _, d := range DispatchOrder {
		if t.HasPrefix(d.Prefix) {
			return d.Family
		}
	}
	return FamilyNone
}

// IsProjectStructural reports whether t changes the denormalized summary a
// project keeps about its children.
func IsProjectStructural(t Type) bool {
	switch t {
	case ApplicationAdd, ApplicationUpdate, ApplicationDelete,
		PipelineAdd, PipelineUpdate, PipelineDelete,
		WorkflowAdd, WorkflowUpdate, WorkflowDelete:
		return true
	}
	return t.HasPrefix(ProjectPrefix) ||
		t.HasPrefix(EnvironmentPrefix) ||
		t.HasPrefix(PipelineParameterPrefix)
}

// Event is a change notification pushed by the server.
type Event struct {
	Type              Type            `json:"type_event"`
	ProjectKey        string          `json:"project_key,omitempty"`
	ApplicationName   string          `json:"application_name,omitempty"`
	PipelineName      string          `json:"pipeline_name,omitempty"`
	WorkflowName      string          `json:"workflow_name,omitempty"`
	WorkflowRunNum    int64           `json:"workflow_run_num,omitempty"`
	WorkflowNodeRunID int64           `json:"workflow_node_run_id,omitempty"`
	Username          string          `json:"username,omitempty"`
	Timestamp         time.Time       `json:"timestamp,omitzero"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	c := e
	if e.Payload != nil {
		c.Payload = bytes.Clone(e.Payload)
	}
	return c
}

// Envelope is the frame the server sends on the stream.
type Envelope struct {
	Status string `json:"status"`
	Event  *Event `json:"event,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusOK marks an envelope that carries an event.
const StatusOK = "OK"

// Broadcaster receives every event the client routes, after it is applied.
// A nil Broadcaster is ignored by callers.
type Broadcaster interface {
	Broadcast(e Event)
}
