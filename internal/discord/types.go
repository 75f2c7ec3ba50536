package discord

// MaxMessageLen is the platform's hard limit for plain-text message content.
const MaxMessageLen = 2000

// Presence values as reported by the platform. Anything else (including a
// missing presence) is treated as PresenceUnknown.
const (
	PresenceOnline  = "online"
	PresenceIdle    = "idle"
	PresenceDND     = "dnd"
	PresenceOffline = "offline"
	PresenceUnknown = "unknown"
)

type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"approximate_member_count,omitempty"`
}

type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Bot           bool   `json:"bot,omitempty"`
}

// Member is one guild member as returned by the member listing.
//
// Presence is only populated when the platform includes it; member listings
// without presence data yield PresenceUnknown, which downstream filtering
// treats as offline.
type Member struct {
	User     User   `json:"user"`
	Nick     string `json:"nick,omitempty"`
	Presence string `json:"status,omitempty"`
}

// Tag returns "username#discriminator", the identity format used in
// per-recipient delivery reports.
func (m Member) Tag() string {
	if m.User.Discriminator == "" || m.User.Discriminator == "0" {
		return m.User.Username
	}
	return m.User.Username + "#" + m.User.Discriminator
}

// DisplayName returns the guild nickname when set, else the username.
func (m Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.User.Username
}

// Mention returns the platform mention markup for the member.
func (m Member) Mention() string { return "<@" + m.User.ID + ">" }

// EffectivePresence normalizes the raw presence string.
func (m Member) EffectivePresence() string {
	switch m.Presence {
	case PresenceOnline, PresenceIdle, PresenceDND, PresenceOffline:
		return m.Presence
	default:
		return PresenceUnknown
	}
}

type channel struct {
	ID string `json:"id"`
}

type apiErrorBody struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"` // seconds, 429 responses only
}
