package claude

import "strings"

// Tool sets are composable building blocks for --allowedTools lists.

// ToolSetBase contains core file-operation tools.
var ToolSetBase = []string{
	"Read",
	"Glob",
	"Grep",
	"Edit",
	"Write",
	"MultiEdit",
}

// ToolSetSafeShell contains read-only shell commands.
var ToolSetSafeShell = []string{
	"Bash(ls:*)",
	"Bash(cat:*)",
	"Bash(head:*)",
	"Bash(tail:*)",
	"Bash(wc:*)",
	"Bash(pwd:*)",
	"Bash(git status:*)",
	"Bash(git diff:*)",
	"Bash(git log:*)",
}

// ToolSetContainerShell contains unrestricted Bash for the sandbox.
var ToolSetContainerShell = []string{
	"Bash",
}

// ToolSetWeb contains web access tools.
var ToolSetWeb = []string{
	"WebFetch",
	"WebSearch",
}

// ToolSetProductivity contains planning and notebook tools.
var ToolSetProductivity = []string{
	"TodoWrite",
	"NotebookEdit",
	"Task",
}

// DefaultAllowedTools is pre-authorized inside the sandbox container.
var DefaultAllowedTools = ComposeTools(ToolSetBase, ToolSetContainerShell, ToolSetProductivity)

// namedToolSets lets configuration refer to sets by name.
var namedToolSets = map[string][]string{
	"base":         ToolSetBase,
	"safe-shell":   ToolSetSafeShell,
	"shell":        ToolSetContainerShell,
	"web":          ToolSetWeb,
	"productivity": ToolSetProductivity,
}

// ComposeTools merges multiple tool sets into a single deduplicated slice.
// Order is preserved (first occurrence wins).
func ComposeTools(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, tool := range set {
			if _, exists := seen[tool]; !exists {
				seen[tool] = struct{}{}
				result = append(result, tool)
			}
		}
	}
	return result
}

// ParseToolList parses a comma-separated list of tool names and set
// references. A set is referenced as "@name", e.g. "@base,@web,Bash(npm:*)".
// An empty list yields DefaultAllowedTools.
func ParseToolList(list string) []string {
	var sets [][]string
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if name, ok := strings.CutPrefix(item, "@"); ok {
			if set, known := namedToolSets[name]; known {
				sets = append(sets, set)
			}
			continue
		}
		sets = append(sets, []string{item})
	}
	if len(sets) == 0 {
		return DefaultAllowedTools
	}
	return ComposeTools(sets...)
}
