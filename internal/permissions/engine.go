package permissions

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/duh17/pideck/internal/shellsplit"
)

// GateRequest is one tool call under evaluation.
type GateRequest struct {
	Tool       string         `json:"tool"`
	Input      map[string]any `json:"input"`
	ToolCallID string         `json:"toolCallId"`
}

// Command returns the shell command string for bash-like tools, or ""
// when the tool carries none.
func (r GateRequest) Command() string {
	if s, ok := r.Input["command"].(string); ok {
		return s
	}
	return ""
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	Rule   *Rule  `json:"rule,omitempty"`
	Layer  string `json:"layer"` // "guardrail", rule source, or "fallback"
}

// Engine evaluates gate requests against a rule snapshot. It is pure:
// the same inputs always produce the same decision, and it never
// mutates the rule store.
type Engine struct {
	Fallback Action
}

// NewEngine creates an engine with the given fallback decision.
func NewEngine(fallback Action) *Engine {
	if fallback == "" {
		fallback = ActionAsk
	}
	return &Engine{Fallback: fallback}
}

// Guardrail reasons. These strings are part of the client contract.
const (
	ReasonSecretFileAccess = "Secret file access"
	ReasonDataEgress       = "Data egress"
	ReasonSecretEnvInURL   = "Secret env expansion in URL"
	ReasonPipeToShell      = "Pipe to shell"
)

// Well-known secret locations. Always-active: no workspace or session
// rule can weaken these.
var secretFileGlobs = []string{
	"**/.ssh/id_*",
	"**/.aws/credentials",
	"**/.env*",
}

var secretEnvRe = regexp.MustCompile(`\$\{?[A-Za-z0-9_]*(API_KEY|TOKEN|SECRET|PASSWORD)`)

var shellNames = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true}

// Evaluate runs the layered decision procedure: immutable guardrails,
// matching rules (scope > specificity > source), bash chain expansion,
// then the configured fallback.
func (e *Engine) Evaluate(req GateRequest, rules []Rule, sessionID, workspaceID string) Decision {
	now := time.Now()
	command := req.Command()

	if d, hit := checkGuardrails(req, command); hit {
		return d
	}

	stages := parseStages(command)
	if rule := findMatching(rules, req, command, stages, sessionID, workspaceID, now); rule != nil {
		return Decision{Action: rule.Decision, Reason: rule.Label, Rule: rule, Layer: string(rule.Source)}
	}

	if isBashTool(req.Tool) && len(stages) > 1 {
		if d, expanded := e.evaluateStages(req, command, rules, sessionID, workspaceID); expanded {
			return d
		}
	}

	return Decision{Action: e.Fallback, Reason: "No matching rule", Layer: "fallback"}
}

// evaluateStages re-evaluates every chain segment and pipeline stage of
// a bash command. The weakest outcome wins: allow < ask < deny, with
// the first offending stage supplying the reason.
func (e *Engine) evaluateStages(req GateRequest, command string, rules []Rule, sessionID, workspaceID string) (Decision, bool) {
	var stages []string
	for _, seg := range shellsplit.SplitChain(command) {
		stages = append(stages, shellsplit.SplitPipeline(seg)...)
	}
	if len(stages) <= 1 {
		return Decision{}, false
	}

	agg := Decision{Action: ActionAllow, Layer: "fallback"}
	for _, stage := range stages {
		d := e.Evaluate(GateRequest{
			Tool:       req.Tool,
			Input:      map[string]any{"command": stage},
			ToolCallID: req.ToolCallID,
		}, rules, sessionID, workspaceID)

		switch d.Action {
		case ActionDeny:
			return d, true
		case ActionAsk:
			if agg.Action != ActionAsk {
				agg = d
			}
		}
	}
	return agg, true
}

func isBashTool(tool string) bool { return tool == "bash" || tool == "exec" }

// checkGuardrails applies the immutable layer: secret-file reads deny;
// egress and exfiltration heuristics ask.
func checkGuardrails(req GateRequest, command string) (Decision, bool) {
	guardrail := func(a Action, reason string) (Decision, bool) {
		return Decision{Action: a, Reason: reason, Layer: "guardrail"}, true
	}

	// Direct file tools reading a secret path.
	if p, ok := req.Input["path"].(string); ok && isSecretPath(p) {
		return guardrail(ActionDeny, ReasonSecretFileAccess)
	}

	if command == "" {
		return Decision{}, false
	}

	var stages []shellsplit.Command
	var rawStages []string
	for _, seg := range shellsplit.SplitChain(command) {
		pipeline := shellsplit.SplitPipeline(seg)
		for i, stage := range pipeline {
			parsed := shellsplit.Parse(stage)
			stages = append(stages, parsed)
			rawStages = append(rawStages, stage)

			// A shell as a non-first pipeline stage executes piped input.
			if i > 0 && shellNames[filepath.Base(parsed.Executable)] {
				return guardrail(ActionAsk, ReasonPipeToShell)
			}
		}
	}

	for _, st := range stages {
		for _, arg := range st.Args {
			if isSecretPath(arg) {
				return guardrail(ActionDeny, ReasonSecretFileAccess)
			}
		}
	}

	for i, st := range stages {
		if base := filepath.Base(st.Executable); base != "curl" && base != "wget" {
			continue
		}
		host := externalHost(st.Args)
		if host == "" {
			continue
		}
		if secretEnvRe.MatchString(rawStages[i]) {
			return guardrail(ActionAsk, ReasonSecretEnvInURL)
		}
		if hasEgressFlag(st.Args) {
			return guardrail(ActionAsk, ReasonDataEgress)
		}
	}

	return Decision{}, false
}

func isSecretPath(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") {
		return false
	}
	for _, g := range secretFileGlobs {
		if matchPath(g, s) {
			return true
		}
	}
	return false
}

// hasEgressFlag detects curl/wget invocations that upload data.
func hasEgressFlag(args []string) bool {
	for i, a := range args {
		switch {
		case a == "-d" && i+1 < len(args) && args[i+1] == "@-":
			return true
		case strings.HasPrefix(a, "--data"), strings.HasPrefix(a, "--post-data"), strings.HasPrefix(a, "--post-file"):
			return true
		case a == "-T", strings.HasPrefix(a, "--upload-file"):
			return true
		}
	}
	return false
}

// externalHost returns the hostname of the first URL argument that is
// not loopback or link-local, or "".
func externalHost(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "http://") && !strings.HasPrefix(a, "https://") {
			continue
		}
		u, err := url.Parse(a)
		if err != nil {
			continue
		}
		host := strings.ToLower(u.Hostname())
		switch host {
		case "", "localhost", "127.0.0.1", "::1", "0.0.0.0":
			continue
		}
		if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
			continue
		}
		return host
	}
	return ""
}

// findMatching returns the highest-precedence live rule matching the
// request, or nil.
func findMatching(rules []Rule, req GateRequest, command string, parsed []shellsplit.Command, sessionID, workspaceID string, now time.Time) *Rule {
	var candidates []Rule
	for _, r := range rules {
		if r.Expired(now) {
			continue
		}
		switch r.Scope {
		case ScopeSession:
			if r.SessionID != sessionID {
				continue
			}
		case ScopeWorkspace:
			if r.WorkspaceID != workspaceID {
				continue
			}
		}
		if !ruleMatches(&r, req, command, parsed) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}
	sortRules(candidates)
	return &candidates[0]
}

func parseStages(command string) []shellsplit.Command {
	if command == "" {
		return nil
	}
	var out []shellsplit.Command
	for _, seg := range shellsplit.SplitChain(command) {
		for _, stage := range shellsplit.SplitPipeline(seg) {
			out = append(out, shellsplit.Parse(stage))
		}
	}
	return out
}

func ruleMatches(r *Rule, req GateRequest, command string, stages []shellsplit.Command) bool {
	if r.Tool != "*" && r.Tool != req.Tool {
		return false
	}
	// A narrow rule (executable/path/domain, no full-command pattern)
	// must not decide a multi-stage command at the top level; each
	// stage gets its own evaluation during chain expansion.
	if len(stages) > 1 && r.Pattern == "" && (r.Executable != "" || r.Path != "" || r.Domain != "") {
		return false
	}
	if r.Executable != "" {
		found := false
		for _, st := range stages {
			if st.Executable == r.Executable || filepath.Base(st.Executable) == r.Executable {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Pattern != "" && !matchCommand(r.Pattern, command) {
		return false
	}
	if r.Path != "" {
		if !anyArgMatch(req, stages, func(s string) bool { return matchPath(r.Path, s) }) {
			return false
		}
	}
	if r.Domain != "" {
		if !anyArgMatch(req, stages, func(s string) bool { return hostMatches(r.Domain, s) }) {
			return false
		}
	}
	return true
}

func anyArgMatch(req GateRequest, stages []shellsplit.Command, match func(string) bool) bool {
	for _, key := range []string{"path", "file_path", "url"} {
		if s, ok := req.Input[key].(string); ok && match(s) {
			return true
		}
	}
	for _, st := range stages {
		for _, a := range st.Args {
			if match(a) {
				return true
			}
		}
	}
	return false
}

func hostMatches(pattern, arg string) bool {
	host := arg
	if strings.Contains(arg, "://") {
		if u, err := url.Parse(arg); err == nil {
			host = u.Hostname()
		}
	}
	return matchDomain(pattern, host)
}
