package core

// EventMatcher dispatches lifecycle and chat-membership events.
//
// Startup and shutdown handlers never match a message; the runtime emits
// them directly. Message, user-joined and user-left handlers match the
// updates that carry the corresponding change.
type EventMatcher struct {
	*base
}

// NewEventMatcher creates an empty event matcher.
func NewEventMatcher(opts ...MatcherOption) *EventMatcher {
	m := &EventMatcher{}
	m.base = newBase("events", m.check, m.cast, opts)
	return m
}

func (m *EventMatcher) cast(token Token, reg *registration) (Token, error) {
	var ev Event
	switch t := token.(type) {
	case Event:
		if _, ok := eventNames[t]; !ok {
			return nil, configErrorf("%s: unknown event %v", m.name, t)
		}
		ev = t
	case string:
		parsed, err := ParseEvent(t)
		if err != nil {
			return nil, err
		}
		ev = parsed
	default:
		return nil, configErrorf("%s: event token %v is %T, want Event", m.name, token, token)
	}
	// Lifecycle events carry no sender and must run exactly once.
	if ev == EventStartup || ev == EventShutdown {
		if reg.whitelist != nil {
			return nil, configErrorf("%s: %s handlers cannot be whitelisted", m.name, ev)
		}
		if reg.chanceRate < 1 {
			return nil, configErrorf("%s: %s handlers cannot have a chance rate below 1", m.name, ev)
		}
	}
	return ev, nil
}

func (m *EventMatcher) check(token Token, upd *Update) (MatchedToken, bool) {
	if upd == nil || upd.Message == nil {
		return MatchedToken{}, false
	}
	msg := upd.Message
	var ok bool
	switch token {
	case EventMessage:
		ok = true
	case EventUserJoined:
		ok = len(msg.NewChatMembers) > 0
	case EventUserLeft:
		ok = msg.LeftChatMember != nil
	}
	if !ok {
		return MatchedToken{}, false
	}
	return MatchedToken{Token: token}, true
}
