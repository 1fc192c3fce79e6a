package core

import "regexp"

// RegexMatcher matches message text against regular expressions. A pattern
// matches when it is found anywhere in the text; its capture groups become
// Args and its named groups Kwargs.
type RegexMatcher struct {
	*base
	patterns map[string]*regexp.Regexp
}

// NewRegexMatcher creates an empty regex matcher.
func NewRegexMatcher(opts ...MatcherOption) *RegexMatcher {
	m := &RegexMatcher{patterns: make(map[string]*regexp.Regexp)}
	m.base = newBase("regex", m.check, m.cast, opts)
	return m
}

func (m *RegexMatcher) cast(token Token, _ *registration) (Token, error) {
	pattern, ok := token.(string)
	if !ok {
		return nil, configErrorf("%s: pattern %v is %T, want string", m.name, token, token)
	}
	if pattern == "" {
		return nil, configErrorf("%s: empty pattern", m.name)
	}
	if _, ok := m.patterns[pattern]; ok {
		return pattern, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, configErrorf("%s: compile %q: %v", m.name, pattern, err)
	}
	m.patterns[pattern] = re
	return pattern, nil
}

func (m *RegexMatcher) check(token Token, upd *Update) (MatchedToken, bool) {
	pattern, _ := token.(string)
	re := m.patterns[pattern]
	text := upd.Text()
	if re == nil || text == "" {
		return MatchedToken{}, false
	}
	sub := re.FindStringSubmatch(text)
	if sub == nil {
		return MatchedToken{}, false
	}

	var kwargs map[string]string
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if kwargs == nil {
			kwargs = make(map[string]string)
		}
		kwargs[name] = sub[i]
	}
	return MatchedToken{Token: token, Args: sub[1:], Kwargs: kwargs}, true
}
