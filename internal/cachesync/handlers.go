package cachesync

import (
	"bytes"

	"github.com/zsprackett/eventsync/internal/events"
	"github.com/zsprackett/eventsync/internal/route"
)

// target describes how the shared decision applies to one entity.
type target struct {
	key      Key
	viewing  bool
	deleted  bool
	options  []LoadOption
	onDelete []Mutation
}

// decide is the decision shared by the project, application, pipeline and
// workflow handlers. Unviewed entries are evicted. Viewed entries changed by
// another user are flagged, never refetched. The viewer's own changes are
// resynced, except variable and parameter edits.
func decide(ev events.Event, cached *Entry, user string, t target) []Mutation {
	if cached == nil || cached.Key != t.key {
		return nil
	}
	if !t.viewing {
		return []Mutation{Evict(t.key)}
	}
	if ev.Username != user {
		return []Mutation{MarkExternalChange(t.key, ev.Username)}
	}
	if t.deleted {
		return append([]Mutation{Evict(t.key)}, t.onDelete...)
	}
	if ev.Type.TouchesVariables() {
		return nil
	}
	return []Mutation{Resync(t.key, t.options...)}
}

// Project handles events that invalidate a project's summary.
func Project(ev events.Event, cached *Entry, rc route.Context, user string) []Mutation {
	return decide(ev, cached, user, target{
		key:     ProjectKey(ev.ProjectKey),
		viewing: rc.OnProject(ev.ProjectKey),
		deleted: ev.Type == events.ProjectDelete,
		options: projectOptions(ev.Type),
	})
}

// projectOptions picks the sub-collection of the project summary touched by
// t. The most specific prefix is tested first.
func projectOptions(t events.Type) []LoadOption {
	switch {
	case t.HasPrefix(events.ProjectVariablePrefix):
		return []LoadOption{WithVariables}
	case t.HasPrefix(events.ProjectPermissionPrefix):
		return []LoadOption{WithGroups}
	case t.HasPrefix(events.ProjectKeyPrefix):
		return []LoadOption{WithKeys}
	case t.HasPrefix(events.ProjectIntegrationPrefix):
		return []LoadOption{WithIntegrations}
	case t.HasPrefix(events.ApplicationPrefix):
		return []LoadOption{WithApplicationNames}
	case t.HasPrefix(events.PipelinePrefix):
		return []LoadOption{WithPipelineNames}
	case t.HasPrefix(events.EnvironmentPrefix):
		return []LoadOption{WithEnvironmentNames}
	case t.HasPrefix(events.WorkflowPrefix):
		return []LoadOption{WithWorkflowNames, WithLabels}
	}
	return nil
}

// Application handles application-prefixed events.
func Application(ev events.Event, cached *Entry, rc route.Context, user string) []Mutation {
	return decide(ev, cached, user, target{
		key:      ApplicationKey(ev.ProjectKey, ev.ApplicationName),
		viewing:  rc.OnApplication(ev.ProjectKey, ev.ApplicationName),
		deleted:  ev.Type == events.ApplicationDelete,
		options:  applicationOptions(ev.Type),
		onDelete: []Mutation{RemoveChildName(ev.ProjectKey, KindApplication, ev.ApplicationName)},
	})
}

func applicationOptions(t events.Type) []LoadOption {
	switch {
	case t.HasPrefix(events.ApplicationVariablePrefix):
		return []LoadOption{WithVariables}
	case t.HasPrefix(events.ApplicationKeyPrefix):
		return []LoadOption{WithKeys}
	case t.HasPrefix(events.ApplicationRepositoryPrefix):
		return []LoadOption{WithVCSStrategy}
	case t.HasPrefix(events.ApplicationDeploymentStrategyPrefix):
		return []LoadOption{WithDeploymentStrategies}
	}
	return nil
}

// Pipeline handles pipeline-prefixed events.
func Pipeline(ev events.Event, cached *Entry, rc route.Context, user string) []Mutation {
	return decide(ev, cached, user, target{
		key:      PipelineKey(ev.ProjectKey, ev.PipelineName),
		viewing:  rc.OnPipeline(ev.ProjectKey, ev.PipelineName),
		deleted:  ev.Type == events.PipelineDelete,
		options:  pipelineOptions(ev.Type),
		onDelete: []Mutation{RemoveChildName(ev.ProjectKey, KindPipeline, ev.PipelineName)},
	})
}

func pipelineOptions(t events.Type) []LoadOption {
	switch {
	case t.HasPrefix(events.PipelineStagePrefix), t.HasPrefix(events.PipelineJobPrefix):
		return []LoadOption{WithStages}
	case t.HasPrefix(events.PipelineAuditPrefix):
		return []LoadOption{WithAudits}
	}
	return nil
}

// Workflow handles workflow-prefixed events. The cached workflow must be the
// one named by the event; a cached workflow with another key is left alone.
func Workflow(ev events.Event, cached *Entry, rc route.Context, user string) []Mutation {
	return decide(ev, cached, user, target{
		key:      WorkflowKey(ev.ProjectKey, ev.WorkflowName),
		viewing:  rc.OnWorkflow(ev.ProjectKey, ev.WorkflowName),
		deleted:  ev.Type == events.WorkflowDelete,
		onDelete: []Mutation{RemoveChildName(ev.ProjectKey, KindWorkflow, ev.WorkflowName)},
	})
}

// WorkflowRun handles run events. It only acts while the viewer is on the
// event's workflow and does not read the cache.
func WorkflowRun(ev events.Event, rc route.Context) []Mutation {
	if ev.WorkflowRunNum <= 0 || !rc.OnWorkflow(ev.ProjectKey, ev.WorkflowName) {
		return nil
	}
	run := RunKey(ev.ProjectKey, ev.WorkflowName, ev.WorkflowRunNum)
	sameRun := rc.RunNumber == ev.WorkflowRunNum

	switch ev.Type {
	case events.RunWorkflow:
		if sameRun {
			return []Mutation{Resync(run)}
		}
		// The list is open, or another run is selected: refresh that run's
		// row without touching the selected one.
		return []Mutation{FetchRun(run)}
	case events.RunWorkflowNode:
		if !sameRun {
			return nil
		}
		out := []Mutation{Resync(run)}
		nodeRunID := rc.NodeRunID
		if nodeRunID == 0 {
			nodeRunID = ev.WorkflowNodeRunID
		}
		if nodeRunID != 0 {
			out = append(out, Resync(NodeRunKey(ev.ProjectKey, ev.WorkflowName, ev.WorkflowRunNum, nodeRunID)))
		}
		return out
	}
	return nil
}

// Broadcast handles broadcast events. Payloads without the expected
// sub-object are ignored.
func Broadcast(ev events.Event) []Mutation {
	switch ev.Type {
	case events.BroadcastAdd, events.BroadcastUpdate:
		b, ok := events.DecodeBroadcast(ev)
		if !ok {
			return nil
		}
		return []Mutation{ReplaceOrInsert(BroadcastKey(b.Key()), b.Raw)}
	case events.BroadcastDelete:
		id, ok := events.DecodeBroadcastID(ev)
		if !ok {
			return nil
		}
		return []Mutation{RemoveByID(BroadcastKey(id))}
	}
	return nil
}

// Operation keys an operation snapshot by its own uuid.
func Operation(ev events.Event) ([]Mutation, error) {
	op, err := events.DecodeOperation(ev)
	if err != nil {
		return nil, err
	}
	return []Mutation{ReplaceOrInsert(OperationKey(op.UUID), bytes.Clone(ev.Payload))}, nil
}

// JobRun updates the build queue with a job-run snapshot.
func JobRun(ev events.Event) ([]Mutation, error) {
	job, err := events.DecodeJobRun(ev)
	if err != nil {
		return nil, err
	}
	return []Mutation{ReplaceOrInsert(JobRunKey(job.ID), bytes.Clone(ev.Payload))}, nil
}
