package workflow

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		wf      *Workflow
		wantErr bool
	}{
		{
			name: "empty task list succeeds",
			wf:   &Workflow{ID: "w1"},
		},
		{
			name: "simple linear graph",
			wf: &Workflow{ID: "w1", Tasks: []TaskSpec{
				{Name: "A"},
				{Name: "B", DependsOn: []string{"A"}},
			}},
		},
		{
			name: "unknown dependency",
			wf: &Workflow{ID: "w1", Tasks: []TaskSpec{
				{Name: "A", DependsOn: []string{"missing"}},
			}},
			wantErr: true,
		},
		{
			name: "duplicate task name",
			wf: &Workflow{ID: "w1", Tasks: []TaskSpec{
				{Name: "A"},
				{Name: "A"},
			}},
			wantErr: true,
		},
		{
			name: "fallback references unknown task",
			wf: &Workflow{ID: "w1", Tasks: []TaskSpec{
				{Name: "A", OnError: OnError{Kind: OnErrorFallback, Fallback: []string{"ghost"}}},
			}},
			wantErr: true,
		},
		{
			name:    "missing id",
			wf:      &Workflow{},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.wf)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEffectiveTimeoutMs(t *testing.T) {
	wf := &Workflow{Config: Config{DefaultTaskTimeoutMs: 5000}}
	task := TaskSpec{Name: "A"}

	if got := task.EffectiveTimeoutMs(wf, 30000); got != 5000 {
		t.Fatalf("expected workflow default 5000, got %d", got)
	}

	explicit := 1234
	task.TimeoutMs = &explicit
	if got := task.EffectiveTimeoutMs(wf, 30000); got != 1234 {
		t.Fatalf("expected explicit timeout 1234, got %d", got)
	}

	task.TimeoutMs = nil
	wf.Config.DefaultTaskTimeoutMs = 0
	if got := task.EffectiveTimeoutMs(wf, 30000); got != 30000 {
		t.Fatalf("expected orchestrator default 30000, got %d", got)
	}
}
