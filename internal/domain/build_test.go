package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to BuildStatus
		want     bool
	}{
		{BuildPending, BuildBuilding, true},
		{BuildBuilding, BuildSuccess, true},
		{BuildBuilding, BuildFailed, true},
		{BuildPending, BuildFailed, true},
		{BuildPending, BuildSuccess, false},
		{BuildSuccess, BuildFailed, false},
		{BuildFailed, BuildBuilding, false},
		{BuildSuccess, BuildBuilding, false},
		{BuildBuilding, BuildPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestBuildJobValidate(t *testing.T) {
	job := BuildJob{
		BuildID:      "b1",
		ProjectID:    "p1",
		SourceURL:    "https://github.com/acme/app",
		BuildCommand: "bun run build",
		RuntimeKind:  RuntimeServer,
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("expected valid job, got %v", err)
	}
	job.RootDirectory = "../etc"
	if err := job.Validate(); err == nil {
		t.Fatalf("expected escaping root directory to be rejected")
	}
	job.RootDirectory = ""
	job.RuntimeKind = "docker"
	if err := job.Validate(); err == nil {
		t.Fatalf("expected unknown runtime kind to be rejected")
	}
}
