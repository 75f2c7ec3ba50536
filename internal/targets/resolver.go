// Package targets turns a raw guild member list into the ordered work list
// for one broadcast.
package targets

import (
	"fmt"
	"strings"

	"dmcast/internal/discord"
)

// Filter selects which members of a guild receive a broadcast.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterOnline  Filter = "online"
	FilterOffline Filter = "offline"
)

// ParseFilter validates a raw filter string. Empty defaults to "all".
func ParseFilter(raw string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterOnline:
		return FilterOnline, nil
	case FilterOffline:
		return FilterOffline, nil
	default:
		return "", fmt.Errorf("unknown target filter %q", raw)
	}
}

// Resolve produces the ordered recipient list for one broadcast.
//
// Bots are dropped unconditionally. The online filter keeps online/idle/dnd;
// the offline filter keeps offline, and members with unknown or missing
// presence count as offline (never silently "online" without evidence).
// Source order is preserved.
func Resolve(members []discord.Member, f Filter) []discord.Member {
	out := make([]discord.Member, 0, len(members))
	for _, m := range members {
		if m.User.Bot {
			continue
		}
		if !matches(m, f) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func matches(m discord.Member, f Filter) bool {
	switch f {
	case FilterOnline:
		switch m.EffectivePresence() {
		case discord.PresenceOnline, discord.PresenceIdle, discord.PresenceDND:
			return true
		}
		return false
	case FilterOffline:
		switch m.EffectivePresence() {
		case discord.PresenceOffline, discord.PresenceUnknown:
			return true
		}
		return false
	default:
		return true
	}
}
