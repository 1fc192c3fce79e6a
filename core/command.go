package core

import (
	"slices"
	"strings"
	"unicode"

	"github.com/chatushka/chatushka/core/policy"
)

// CommandConfig is the command syntax shared by a CommandMatcher's
// registrations.
type CommandConfig struct {
	// Prefixes a command must start with, e.g. "/" and "!". Defaults to "/".
	Prefixes []string
	// Postfixes a command must end with, e.g. "" and "@mybot". Defaults to
	// the empty postfix.
	Postfixes []string
	// AllowRaw accepts commands with no prefix at all.
	AllowRaw bool
	// Whitelist gates every registration that has no whitelist of its own.
	Whitelist *policy.Whitelist
}

// CommandMatcher matches "prefix + command + postfix [args...]" messages.
type CommandMatcher struct {
	*base
	prefixes  []string
	postfixes []string
}

// NewCommandMatcher creates a command matcher for the given syntax.
func NewCommandMatcher(cfg CommandConfig, opts ...MatcherOption) *CommandMatcher {
	m := &CommandMatcher{
		prefixes:  normalizeAffixes(cfg.Prefixes, cfg.AllowRaw, "/"),
		postfixes: normalizeAffixes(cfg.Postfixes, false, ""),
	}
	m.base = newBase("commands", m.check, m.cast, opts)
	m.base.whitelist = cfg.Whitelist
	return m
}

// Prefixes returns the accepted prefixes in match order.
func (m *CommandMatcher) Prefixes() []string { return slices.Clone(m.prefixes) }

// Postfixes returns the accepted postfixes in match order.
func (m *CommandMatcher) Postfixes() []string { return slices.Clone(m.postfixes) }

func (m *CommandMatcher) cast(token Token, reg *registration) (Token, error) {
	name, ok := token.(string)
	if !ok {
		return nil, configErrorf("%s: command token %v is %T, want string", m.name, token, token)
	}
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return nil, configErrorf("%s: invalid command name %q", m.name, name)
	}
	if !reg.caseSensitive {
		name = strings.ToLower(name)
	}
	return name, nil
}

func (m *CommandMatcher) check(token Token, upd *Update) (MatchedToken, bool) {
	name, ok := token.(string)
	if !ok {
		return MatchedToken{}, false
	}
	raw, args, ok := splitCommand(upd.Text())
	if !ok {
		return MatchedToken{}, false
	}
	for _, cand := range m.candidates(raw) {
		if cand == name || strings.ToLower(cand) == name {
			return MatchedToken{Token: token, Args: args, raw: cand}, true
		}
	}
	return MatchedToken{}, false
}

// candidates returns every command name obtained by stripping one
// configured prefix and one configured postfix from raw.
func (m *CommandMatcher) candidates(raw string) []string {
	var names []string
	for _, prefix := range m.prefixes {
		if !strings.HasPrefix(raw, prefix) {
			continue
		}
		rest := raw[len(prefix):]
		for _, postfix := range m.postfixes {
			if !strings.HasSuffix(rest, postfix) {
				continue
			}
			name := rest[:len(rest)-len(postfix)]
			if name != "" && !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	return names
}

// splitCommand splits text on whitespace into the raw command word and its
// arguments.
func splitCommand(text string) (raw string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

func normalizeAffixes(affixes []string, withEmpty bool, fallback string) []string {
	out := make([]string, 0, len(affixes)+1)
	for _, a := range affixes {
		a = strings.TrimSpace(a)
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	if withEmpty && !slices.Contains(out, "") {
		out = append(out, "")
	}
	if len(out) == 0 {
		out = append(out, fallback)
	}
	return out
}
