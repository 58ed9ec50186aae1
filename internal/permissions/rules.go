// Package permissions holds the policy engine, the rule store and the
// permission gate that turns synchronous tool-call checks into
// human-approvable decisions.
package permissions

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Action is a policy outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionAsk   Action = "ask"
	ActionDeny  Action = "deny"
)

// RuleScope determines where a rule applies and how it is persisted.
// Session-scoped rules live in memory only.
type RuleScope string

const (
	ScopeGlobal    RuleScope = "global"
	ScopeWorkspace RuleScope = "workspace"
	ScopeSession   RuleScope = "session"
)

// RuleSource records how a rule came to exist. Presets behave like
// manual rules at matching time but sort after them.
type RuleSource string

const (
	SourcePreset  RuleSource = "preset"
	SourceManual  RuleSource = "manual"
	SourceLearned RuleSource = "learned"
)

// Rule maps a tool-call shape to a decision.
type Rule struct {
	ID          string     `json:"id"`
	Tool        string     `json:"tool"` // tool name or "*"
	Decision    Action     `json:"decision"`
	Executable  string     `json:"executable,omitempty"`
	Pattern     string     `json:"pattern,omitempty"` // glob on the full command string
	Path        string     `json:"path,omitempty"`    // glob on a path argument
	Domain      string     `json:"domain,omitempty"`  // glob on a hostname argument
	Scope       RuleScope  `json:"scope"`
	Source      RuleSource `json:"source"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Label       string     `json:"label,omitempty"`
}

// Expired reports whether the rule is past its expiry at now.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// dedupeKey collapses duplicates on load: two rules with the same
// tool+executable+pattern+scope+decision are the same rule.
func (r *Rule) dedupeKey() string {
	return r.Tool + "\x00" + r.Executable + "\x00" + r.Pattern + "\x00" + string(r.Scope) + "\x00" + string(r.Decision)
}

// specificity orders rules within the same scope: pattern beats
// executable beats tool-only. Higher is more specific.
func (r *Rule) specificity() int {
	switch {
	case r.Pattern != "":
		return 3
	case r.Executable != "":
		return 2
	default:
		return 1
	}
}

func scopeRank(s RuleScope) int {
	switch s {
	case ScopeSession:
		return 3
	case ScopeWorkspace:
		return 2
	default:
		return 1
	}
}

func sourceRank(s RuleSource) int {
	switch s {
	case SourceManual:
		return 3
	case SourceLearned:
		return 2
	default:
		return 1
	}
}

func actionRank(a Action) int {
	// Most restrictive first, so equally-specific conflicting rules
	// resolve deterministically regardless of load order.
	switch a {
	case ActionDeny:
		return 3
	case ActionAsk:
		return 2
	default:
		return 1
	}
}

// sortRules orders candidates by the matching precedence: scope
// specificity, then rule specificity, then source preference, then
// restrictiveness and id as deterministic tie-breaks.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := &rules[i], &rules[j]
		if sr1, sr2 := scopeRank(a.Scope), scopeRank(b.Scope); sr1 != sr2 {
			return sr1 > sr2
		}
		if sp1, sp2 := a.specificity(), b.specificity(); sp1 != sp2 {
			return sp1 > sp2
		}
		if so1, so2 := sourceRank(a.Source), sourceRank(b.Source); so1 != so2 {
			return so1 > so2
		}
		if ar1, ar2 := actionRank(a.Decision), actionRank(b.Decision); ar1 != ar2 {
			return ar1 > ar2
		}
		return a.ID < b.ID
	})
}

// legacyRule is the record shape written by early builds:
// {effect, match:{executable, commandPattern}}. Migrated on read.
type legacyRule struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Effect string `json:"effect"`
	Match  *struct {
		Executable     string `json:"executable"`
		CommandPattern string `json:"commandPattern"`
	} `json:"match"`
	Scope       RuleScope  `json:"scope"`
	Source      RuleSource `json:"source"`
	WorkspaceID string     `json:"workspaceId"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	Label       string     `json:"label"`
}

// decodeRule parses one persisted record, migrating the legacy shape
// in place when it is detected.
func decodeRule(raw json.RawMessage) (Rule, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Rule{}, false
	}

	if _, isLegacy := probe["effect"]; isLegacy {
		var lr legacyRule
		if err := json.Unmarshal(raw, &lr); err != nil {
			return Rule{}, false
		}
		r := Rule{
			ID:          lr.ID,
			Tool:        lr.Tool,
			Decision:    Action(lr.Effect),
			Scope:       lr.Scope,
			Source:      lr.Source,
			WorkspaceID: lr.WorkspaceID,
			ExpiresAt:   lr.ExpiresAt,
			CreatedAt:   lr.CreatedAt,
			Label:       lr.Label,
		}
		if lr.Match != nil {
			r.Executable = lr.Match.Executable
			r.Pattern = lr.Match.CommandPattern
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Scope == "" {
			r.Scope = ScopeGlobal
		}
		if r.Source == "" {
			r.Source = SourceManual
		}
		return r, r.Tool != "" && r.Decision != ""
	}

	var r Rule
	if err := json.Unmarshal(raw, &r); err != nil {
		return Rule{}, false
	}
	return r, r.Tool != "" && r.Decision != ""
}
