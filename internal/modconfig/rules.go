package modconfig

import (
	"regexp"
	"sort"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Rule describes one expectation about a config key.
//
// Types accepts "string", "number", "boolean", "object" and "list".
// Pattern only applies to string values.
type Rule struct {
	Name     string
	Required bool
	Level    Level
	Reason   string
	Types    []string
	Pattern  *regexp.Regexp
}

// Groups maps a group label to its rules.
type Groups map[string][]Rule

// Violation is a failed rule check.
type Violation struct {
	Group  string
	Rule   Rule
	Kind   string // "not found", "invalid type", "invalid format"
	Reason string
}

// Evaluate returns every violation in group order, then rule order.
func Evaluate(c Config, groups Groups) []Violation {
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var out []Violation
	for _, g := range names {
		for _, r := range groups[g] {
			out = append(out, check(c, g, r)...)
		}
	}
	return out
}

func check(c Config, group string, r Rule) []Violation {
	val, ok := Get(c, r.Name)
	if !ok {
		if r.Required {
			return []Violation{{Group: group, Rule: r, Kind: "not found", Reason: r.Reason}}
		}
		return nil
	}

	var out []Violation
	tp := typeName(val)
	if len(r.Types) > 0 && !contains(r.Types, tp) {
		out = append(out, Violation{Group: group, Rule: r, Kind: "invalid type", Reason: r.Reason})
	}
	if s, isStr := val.(string); isStr && r.Pattern != nil && !r.Pattern.MatchString(s) {
		out = append(out, Violation{Group: group, Rule: r, Kind: "invalid format", Reason: r.Reason})
	}
	return out
}

// Check logs every violation and returns the number of error-level ones.
// Rules without a level count as errors.
func Check(c Config, groups Groups, log logx.Logger) int {
	errorsFound := 0
	for _, v := range Evaluate(c, groups) {
		fields := []logx.Field{
			logx.String("group", v.Group),
			logx.String("key", v.Rule.Name),
			logx.String("check", v.Kind),
			logx.String("reason", v.Reason),
		}
		if v.Rule.Level == LevelWarning {
			log.Warn("config check warning", fields...)
			continue
		}
		errorsFound++
		log.Error("config check failed", fields...)
	}
	return errorsFound
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
