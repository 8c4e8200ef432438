package events_test

import (
	"encoding/json"
	"testing"

	"github.com/zsprackett/eventsync/internal/events"
)

func TestFamilyOf(t *testing.T) {
	cases := []struct {
		typ  events.Type
		want events.Family
	}{
		{events.ApplicationAdd, events.FamilyApplication},
		{events.ApplicationVariablePrefix + "Add", events.FamilyApplication},
		{events.PipelineParameterPrefix + "Update", events.FamilyPipeline},
		{events.WorkflowDelete, events.FamilyWorkflow},
		{events.RunWorkflow, events.FamilyRun},
		{events.RunWorkflowNode, events.FamilyRun},
		{events.RunWorkflowNodeJob, events.FamilyRun},
		{events.BroadcastDelete, events.FamilyBroadcast},
		{events.ProjectVariablePrefix + "Add", events.FamilyNone},
		{events.Operation, events.FamilyNone},
		{"", events.FamilyNone},
	}
	for _, c := range cases {
		if got := events.FamilyOf(c.typ); got != c.want {
			t.Errorf("FamilyOf(%q): got %q want %q", c.typ, got, c.want)
		}
	}
}

// TestDispatchOrder pins the priority list so a reordering is a visible change.
func TestDispatchOrder(t *testing.T) {
	want := []events.Family{
		events.FamilyApplication,
		events.FamilyPipeline,
		events.FamilyWorkflow,
		events.FamilyRun,
		events.FamilyBroadcast,
	}
	if len(events.DispatchOrder) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(events.DispatchOrder))
	}
	for i, d := range events.DispatchOrder {
		if d.Family != want[i] {
			t.Errorf("entry %d: got %q want %q", i, d.Family, want[i])
		}
	}
}

func TestIsProjectStructural(t *testing.T) {
	structural := []events.Type{
		events.ProjectUpdate,
		events.ProjectVariablePrefix + "Add",
		events.EnvironmentPrefix + "Add",
		events.ApplicationAdd, events.ApplicationUpdate, events.ApplicationDelete,
		events.PipelineAdd, events.PipelineUpdate, events.PipelineDelete,
		events.PipelineParameterPrefix + "Add",
		events.WorkflowAdd, events.WorkflowUpdate, events.WorkflowDelete,
	}
	for _, typ := range structural {
		if !events.IsProjectStructural(typ) {
			t.Errorf("expected %q to be structural", typ)
		}
	}
	notStructural := []events.Type{
		events.ApplicationKeyPrefix + "Add",
		events.PipelineStagePrefix + "Add",
		events.RunWorkflow,
		events.BroadcastAdd,
		events.Operation,
	}
	for _, typ := range notStructural {
		if events.IsProjectStructural(typ) {
			t.Errorf("expected %q not to be structural", typ)
		}
	}
}

func TestTouchesVariables(t *testing.T) {
	if !events.Type("sdk.EventProjectVariableAdd").TouchesVariables() {
		t.Error("project variable event should touch variables")
	}
	if !events.Type("sdk.EventPipelineParameterDelete").TouchesVariables() {
		t.Error("pipeline parameter event should touch variables")
	}
	if events.ProjectUpdate.TouchesVariables() {
		t.Error("project update should not touch variables")
	}
}

func TestClone_DeepCopiesPayload(t *testing.T) {
	e := events.Event{Type: events.RunWorkflow, Payload: json.RawMessage(`{"a":1}`)}
	c := e.Clone()
	e.Payload[5] = '2'
	if string(c.Payload) != `{"a":1}` {
		t.Errorf("clone payload changed with original: %s", c.Payload)
	}
}

func TestDecodeJobRun(t *testing.T) {
	good := events.Event{Type: events.RunWorkflowNodeJob, Payload: json.RawMessage(`{"ID":42,"Status":"Building"}`)}
	job, err := events.DecodeJobRun(good)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != 42 || job.Status != "Building" {
		t.Errorf("unexpected job: %+v", job)
	}

	for _, raw := range []string{``, `[]`, `{"ID":42}`, `{"Status":"Building"}`, `"oops"`} {
		bad := events.Event{Type: events.RunWorkflowNodeJob, Payload: json.RawMessage(raw)}
		if _, err := events.DecodeJobRun(bad); err == nil {
			t.Errorf("expected error for payload %q", raw)
		}
	}
}

func TestDecodeOperation(t *testing.T) {
	op, err := events.DecodeOperation(events.Event{Type: events.Operation, Payload: json.RawMessage(`{"uuid":"abc","status":2}`)})
	if err != nil {
		t.Fatal(err)
	}
	if op.UUID != "abc" {
		t.Errorf("uuid: got %q want abc", op.UUID)
	}
	if _, err := events.DecodeOperation(events.Event{Type: events.Operation, Payload: json.RawMessage(`{}`)}); err == nil {
		t.Error("expected error for operation without uuid")
	}
}

func TestDecodeBroadcast(t *testing.T) {
	add := events.Event{Type: events.BroadcastAdd, Payload: json.RawMessage(`{"Broadcast":{"ID":7,"Title":"maintenance"}}`)}
	b, ok := events.DecodeBroadcast(add)
	if !ok {
		t.Fatal("expected broadcast in add payload")
	}
	if b.Key() != "7" || b.Title != "maintenance" {
		t.Errorf("unexpected broadcast: %+v", b)
	}

	update := events.Event{Type: events.BroadcastUpdate, Payload: json.RawMessage(`{"NewBroadcast":{"ID":7,"Title":"done"}}`)}
	if b, ok := events.DecodeBroadcast(update); !ok || b.Title != "done" {
		t.Errorf("update: got %+v ok=%v", b, ok)
	}

	// An update carrying the add field name is not the expected shape.
	wrong := events.Event{Type: events.BroadcastUpdate, Payload: json.RawMessage(`{"Broadcast":{"ID":7}}`)}
	if _, ok := events.DecodeBroadcast(wrong); ok {
		t.Error("expected no broadcast for mismatched field")
	}

	del := events.Event{Type: events.BroadcastDelete, Payload: json.RawMessage(`{"BroadcastID":7}`)}
	if id, ok := events.DecodeBroadcastID(del); !ok || id != "7" {
		t.Errorf("delete: got %q ok=%v", id, ok)
	}
	if _, ok := events.DecodeBroadcastID(events.Event{Type: events.BroadcastDelete}); ok {
		t.Error("expected no id for empty payload")
	}
}

func TestEnvelopeDecode(t *testing.T) {
	raw := `{"status":"OK","event":{"type_event":"sdk.EventRunWorkflow","project_key":"P1","workflow_name":"W1","workflow_run_num":5,"username":"bob"}}`
	var env events.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatal(err)
	}
	if env.Status != events.StatusOK || env.Event == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Event.WorkflowRunNum != 5 || env.Event.Username != "bob" {
		t.Errorf("unexpected event: %+v", env.Event)
	}
}
