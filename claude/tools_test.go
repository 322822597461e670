package claude

import (
	"slices"
	"testing"
)

func TestComposeTools_Empty(t *testing.T) {
	result := ComposeTools()
	if len(result) != 0 {
		t.Errorf("ComposeTools() with no args should return empty, got %d items", len(result))
	}
}

func TestComposeTools_Dedup(t *testing.T) {
	// Both sets contain "Read"; it should appear only once
	set1 := []string{"Read", "Write"}
	set2 := []string{"Read", "Bash"}
	result := ComposeTools(set1, set2)

	if len(result) != 3 {
		t.Errorf("expected 3 tools after dedup, got %d: %v", len(result), result)
	}
	if result[0] != "Read" || result[1] != "Write" || result[2] != "Bash" {
		t.Errorf("unexpected order: %v", result)
	}
}

func TestDefaultAllowedTools_EquivalentToComposition(t *testing.T) {
	composed := ComposeTools(ToolSetBase, ToolSetContainerShell, ToolSetProductivity)
	if !slices.Equal(DefaultAllowedTools, composed) {
		t.Errorf("DefaultAllowedTools = %v, want %v", DefaultAllowedTools, composed)
	}
}

func TestToolSets_SafeShell_NoUnrestrictedBash(t *testing.T) {
	if slices.Contains(ToolSetSafeShell, "Bash") {
		t.Error("ToolSetSafeShell should not contain unrestricted Bash")
	}
}

func TestParseToolList(t *testing.T) {
	tests := []struct {
		name string
		list string
		want []string
	}{
		{
			name: "empty yields defaults",
			list: "",
			want: DefaultAllowedTools,
		},
		{
			name: "explicit tools",
			list: "Read, Write ,Bash(npm:*)",
			want: []string{"Read", "Write", "Bash(npm:*)"},
		},
		{
			name: "set reference",
			list: "@web,Read",
			want: []string{"WebFetch", "WebSearch", "Read"},
		},
		{
			name: "unknown set ignored",
			list: "@nope,Read",
			want: []string{"Read"},
		},
		{
			name: "dedup across sets",
			list: "Bash,@shell",
			want: []string{"Bash"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseToolList(tt.list)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseToolList(%q) = %v, want %v", tt.list, got, tt.want)
			}
		})
	}
}

func TestValidatePermissionMode(t *testing.T) {
	for _, mode := range []string{"", "default", "acceptEdits", "bypassPermissions", "plan"} {
		if err := ValidatePermissionMode(mode); err != nil {
			t.Errorf("ValidatePermissionMode(%q) error = %v", mode, err)
		}
	}
	if err := ValidatePermissionMode("yolo"); err == nil {
		t.Error("ValidatePermissionMode(yolo) should fail")
	}
}
