package cli

import (
	"context"
	"errors"
	"strings"
	"testing"

	pexec "github.com/zhubert/plural-sandbox/exec"
)

func fakeChecker(installed map[string]string) (*Checker, *pexec.MockExecutor) {
	mock := pexec.NewMockExecutor()
	for name, version := range installed {
		mock.AddExactMatch("/usr/bin/"+name, []string{"--version"}, pexec.MockResponse{
			Stdout: []byte(version + "\nextra line\n"),
		})
	}
	return &Checker{
		LookPath: func(name string) (string, error) {
			if _, ok := installed[name]; ok {
				return "/usr/bin/" + name, nil
			}
			return "", errors.New("not found")
		},
		Exec: mock,
	}, mock
}

func TestRunnerPrerequisites(t *testing.T) {
	prereqs := RunnerPrerequisites("")

	required := map[string]bool{"claude": false, "git": false}
	for _, p := range prereqs {
		if _, ok := required[p.Name]; ok {
			required[p.Name] = true
			if !p.Required {
				t.Errorf("Prerequisite %q should be required", p.Name)
			}
		}
		if p.Name == "rg" && p.Required {
			t.Error("rg should be optional")
		}
	}
	for name, found := range required {
		if !found {
			t.Errorf("Expected prerequisite %q not found", name)
		}
	}

	if got := RunnerPrerequisites("/opt/claude")[0].Name; got != "/opt/claude" {
		t.Errorf("custom binary = %q", got)
	}
}

func TestHostPrerequisites(t *testing.T) {
	prereqs := HostPrerequisites()
	if len(prereqs) != 1 || prereqs[0].Name != "docker" || !prereqs[0].Required {
		t.Errorf("HostPrerequisites() = %+v", prereqs)
	}
}

func TestChecker_Found(t *testing.T) {
	checker, _ := fakeChecker(map[string]string{"git": "git version 2.45.0"})

	result := checker.Check(context.Background(), Prerequisite{Name: "git", Required: true})
	if !result.Found || result.Path != "/usr/bin/git" {
		t.Fatalf("Check() = %+v", result)
	}
	if result.Version != "git version 2.45.0" {
		t.Errorf("Version = %q", result.Version)
	}
	if result.Error != nil {
		t.Errorf("unexpected error: %v", result.Error)
	}
}

func TestChecker_Missing(t *testing.T) {
	checker, mock := fakeChecker(nil)

	result := checker.Check(context.Background(), Prerequisite{Name: "claude", Required: true})
	if result.Found || result.Path != "" {
		t.Errorf("Check() = %+v", result)
	}
	if result.Error == nil || !strings.Contains(result.Error.Error(), "not found in PATH") {
		t.Errorf("Error = %v", result.Error)
	}
	if len(mock.GetCalls()) != 0 {
		t.Error("missing tools should not be version probed")
	}
}

func TestValidateRequired(t *testing.T) {
	checker, _ := fakeChecker(map[string]string{"git": "git version 2"})
	results := checker.CheckAll(context.Background(), RunnerPrerequisites(""))

	err := ValidateRequired(results)
	if err == nil {
		t.Fatal("expected error for missing claude")
	}
	if !strings.Contains(err.Error(), "claude") {
		t.Errorf("error should name claude: %v", err)
	}
	if strings.Contains(err.Error(), "rg") {
		t.Errorf("optional tools should not be reported: %v", err)
	}

	checker, _ = fakeChecker(map[string]string{"git": "2", "claude": "1.0"})
	if err := ValidateRequired(checker.CheckAll(context.Background(), RunnerPrerequisites(""))); err != nil {
		t.Errorf("ValidateRequired() = %v", err)
	}
}

func TestFormatCheckResults(t *testing.T) {
	results := []CheckResult{
		{Prerequisite: Prerequisite{Name: "claude", Required: true}, Found: true, Version: "1.0.0"},
		{Prerequisite: Prerequisite{Name: "git", Required: true}},
		{Prerequisite: Prerequisite{Name: "rg"}},
	}
	out := FormatCheckResults(results)

	for _, want := range []string{"✓ claude (1.0.0)", "✗ git [REQUIRED]", "○ rg [optional]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
