package route_test

import (
	"testing"

	"github.com/zsprackett/eventsync/internal/route"
)

func TestParse(t *testing.T) {
	cases := []struct {
		path string
		want route.Context
	}{
		{"/", route.Context{}},
		{"/settings/user/alice", route.Context{}},
		{"/project/P1", route.Context{ProjectKey: "P1"}},
		{"/project/P1/application/app1", route.Context{ProjectKey: "P1", ApplicationName: "app1"}},
		{"/project/P1/pipeline/build", route.Context{ProjectKey: "P1", PipelineName: "build"}},
		{"/project/P1/workflow/W1", route.Context{ProjectKey: "P1", WorkflowName: "W1"}},
		{"/project/P1/workflow/W1/run/5", route.Context{ProjectKey: "P1", WorkflowName: "W1", RunNumber: 5}},
		{"/project/P1/workflow/W1/run/5/node/12", route.Context{ProjectKey: "P1", WorkflowName: "W1", RunNumber: 5, NodeRunID: 12}},
		{"project/P1/application/app1/settings", route.Context{ProjectKey: "P1", ApplicationName: "app1"}},
	}
	for _, c := range cases {
		got, err := route.Parse(c.path)
		if err != nil {
			t.Errorf("Parse(%q): %v", c.path, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q): got %+v want %+v", c.path, got, c.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, path := range []string{"/project", "/project/P1/workflow/W1/run/abc", "/project/P1/workflow/W1/run/5/node/-1"} {
		if _, err := route.Parse(path); err == nil {
			t.Errorf("Parse(%q): expected error", path)
		}
	}
}

func TestPath_RoundTrip(t *testing.T) {
	for _, path := range []string{"/", "/project/P1", "/project/P1/pipeline/build", "/project/P1/workflow/W1/run/5/node/12"} {
		c, err := route.Parse(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := c.Path(); got != path {
			t.Errorf("Path: got %q want %q", got, path)
		}
	}
}

func TestContext_On(t *testing.T) {
	c := route.Context{ProjectKey: "P1", ApplicationName: "app1"}
	if !c.OnProject("P1") || c.OnProject("P2") {
		t.Error("OnProject mismatch")
	}
	if !c.OnApplication("P1", "app1") || c.OnApplication("P1", "app2") || c.OnApplication("P2", "app1") {
		t.Error("OnApplication mismatch")
	}
	if (route.Context{}).OnProject("") {
		t.Error("empty route must not be on any project")
	}
}

func TestTracker(t *testing.T) {
	tr := route.NewTracker(route.Context{ProjectKey: "P1"})
	if tr.Current().ProjectKey != "P1" {
		t.Fatal("initial context not returned")
	}
	tr.Set(route.Context{ProjectKey: "P2", WorkflowName: "W"})
	if got := tr.Current(); got.ProjectKey != "P2" || got.WorkflowName != "W" {
		t.Errorf("got %+v", got)
	}
}

func TestTracker_SubscribeOnChange(t *testing.T) {
	tr := route.NewTracker(route.Context{ProjectKey: "P1"})
	var seen []route.Context
	tr.Subscribe(func(c route.Context) { seen = append(seen, c) })

	tr.Set(route.Context{ProjectKey: "P1"})
	if len(seen) != 0 {
		t.Fatalf("unchanged route notified: %+v", seen)
	}
	next := route.Context{ProjectKey: "P1", WorkflowName: "W1"}
	tr.Set(next)
	if len(seen) != 1 || seen[0] != next {
		t.Errorf("got %+v", seen)
	}
}
