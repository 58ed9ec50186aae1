package permissions

import (
	"time"

	"github.com/google/uuid"
)

// Policy presets. These are data, not behavior: preset rules are
// tagged source "preset" and match exactly like manual rules.
const (
	PresetDefault   = "default"
	PresetHost      = "host"
	PresetContainer = "container"
)

// destructiveDenies apply in every preset. The sandbox cannot undo
// `rm -rf /` either.
var destructiveDenies = []seedRule{
	{tool: "bash", executable: "sudo", decision: ActionDeny, label: "Privilege escalation"},
	{tool: "bash", pattern: "*rm -rf /*", decision: ActionDeny, label: "Recursive delete from root"},
	{tool: "bash", pattern: "*rm -fr /*", decision: ActionDeny, label: "Recursive delete from root"},
	{tool: "bash", executable: "mkfs", decision: ActionDeny, label: "Filesystem format"},
	{tool: "bash", executable: "shutdown", decision: ActionDeny, label: "Host shutdown"},
	{tool: "bash", executable: "reboot", decision: ActionDeny, label: "Host reboot"},
	{tool: "bash", pattern: "*dd if=*of=/dev/*", decision: ActionDeny, label: "Raw device write"},
}

// readOnlyBins are safe to run anywhere without asking.
var readOnlyBins = []string{
	"ls", "cat", "head", "tail", "grep", "rg", "find", "pwd", "echo",
	"which", "wc", "sort", "uniq", "diff", "file", "stat", "du", "tree",
}

// buildBins are additionally allowed inside a container runtime.
var buildBins = []string{
	"go", "make", "git", "npm", "pnpm", "yarn", "node", "python",
	"python3", "pip", "cargo", "sed", "awk", "touch", "mkdir", "cp", "mv",
	"gofmt", "jq", "tar",
}

// networkAskBins require approval on the host runtime.
var networkAskBins = []string{"curl", "wget", "ssh", "scp", "rsync"}

type seedRule struct {
	tool       string
	executable string
	pattern    string
	decision   Action
	label      string
}

// PresetRules returns the built-in rule bundle for a preset name.
// Unknown names fall back to the default bundle.
func PresetRules(preset string) []Rule {
	var seeds []seedRule
	seeds = append(seeds, destructiveDenies...)

	switch preset {
	case PresetContainer:
		for _, bin := range readOnlyBins {
			seeds = append(seeds, seedRule{tool: "bash", executable: bin, decision: ActionAllow})
		}
		for _, bin := range buildBins {
			seeds = append(seeds, seedRule{tool: "bash", executable: bin, decision: ActionAllow})
		}
		seeds = append(seeds,
			seedRule{tool: "read", decision: ActionAllow},
			seedRule{tool: "write", decision: ActionAllow},
			seedRule{tool: "edit", decision: ActionAllow},
			seedRule{tool: "glob", decision: ActionAllow},
			seedRule{tool: "grep", decision: ActionAllow},
			seedRule{tool: "bash", pattern: "git push*", decision: ActionAsk, label: "Push to remote"},
		)
	case PresetHost:
		for _, bin := range readOnlyBins {
			seeds = append(seeds, seedRule{tool: "bash", executable: bin, decision: ActionAllow})
		}
		for _, bin := range networkAskBins {
			seeds = append(seeds, seedRule{tool: "bash", executable: bin, decision: ActionAsk, label: "Network access"})
		}
		seeds = append(seeds,
			seedRule{tool: "read", decision: ActionAllow},
			seedRule{tool: "bash", pattern: "git push*", decision: ActionAsk, label: "Push to remote"},
			seedRule{tool: "bash", executable: "rm", decision: ActionAsk, label: "File removal on host"},
		)
	}

	now := time.Now()
	rules := make([]Rule, 0, len(seeds))
	for _, s := range seeds {
		rules = append(rules, Rule{
			ID:         uuid.NewString(),
			Tool:       s.tool,
			Decision:   s.decision,
			Executable: s.executable,
			Pattern:    s.pattern,
			Scope:      ScopeGlobal,
			Source:     SourcePreset,
			CreatedAt:  now,
			Label:      s.label,
		})
	}
	return rules
}
