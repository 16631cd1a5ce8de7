package expression

import (
	"encoding/json"
	"testing"
)

func TestResolveWholeStringPreservesType(t *testing.T) {
	ctx := Context{
		TaskOutputs: map[string]json.RawMessage{
			"search": json.RawMessage(`{"results":[{"url":"https://x"}]}`),
		},
	}

	got, err := Resolve(map[string]interface{}{
		"url": "${tasks.search.results[0].url}",
	}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := got.(map[string]interface{})
	if m["url"] != "https://x" {
		t.Fatalf("expected https://x, got %v", m["url"])
	}
}

func TestResolveEmbeddedProducesString(t *testing.T) {
	ctx := Context{
		TaskOutputs: map[string]json.RawMessage{
			"count": json.RawMessage(`{"n":3}`),
		},
	}
	got, err := Resolve("total: ${tasks.count.n}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "total: 3" {
		t.Fatalf("expected 'total: 3', got %q", got)
	}
}

func TestResolveMissingRefWithoutDefault(t *testing.T) {
	_, err := Resolve("${tasks.missing.x}", Context{TaskOutputs: map[string]json.RawMessage{}})
	if err == nil {
		t.Fatal("expected MissingRefError")
	}
	if _, ok := err.(*MissingRefError); !ok {
		t.Fatalf("expected *MissingRefError, got %T", err)
	}
}

func TestResolveMissingRefWithDefault(t *testing.T) {
	got, err := Resolve("${tasks.missing.x ?? fallback}", Context{TaskOutputs: map[string]json.RawMessage{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fallback" {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestResolveDefaultLiteralKeepsType(t *testing.T) {
	got, err := Resolve("${input.limit ?? 25}", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != float64(25) {
		t.Fatalf("expected numeric default 25, got %v (%T)", got, got)
	}

	got, err = Resolve("${input.name ?? \"anon\"}", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "anon" {
		t.Fatalf("expected quoted default anon, got %v", got)
	}
}

func TestResolveEnvAndWorkflowScopes(t *testing.T) {
	ctx := Context{
		Env:      map[string]string{"REGION": "us-east-1"},
		Workflow: WorkflowMeta{ID: "wf1", Version: 3, StartedAt: "2026-01-01T00:00:00Z"},
	}

	got, err := Resolve(map[string]interface{}{
		"region":  "${env.REGION}",
		"wfId":    "${workflow.id}",
		"version": "${workflow.version}",
	}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := got.(map[string]interface{})
	if m["region"] != "us-east-1" || m["wfId"] != "wf1" || m["version"] != 3 {
		t.Fatalf("unexpected resolution: %+v", m)
	}
}

func TestReferencesFindsImplicitDeps(t *testing.T) {
	params := map[string]interface{}{
		"url":   "${tasks.search.results[0].url}",
		"other": "${tasks.fetch.body ?? \"none\"}",
		"plain": "no refs here",
	}
	refs := References(params)
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %v", refs)
	}
}
