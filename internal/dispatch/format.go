package dispatch

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // server zone must resolve on hosts without a zoneinfo database

	"github.com/lorddemonos/killfeed/internal/model"
)

const (
	DefaultZoneTemplate    = "{discord_timestamp} {monster} ({note}) was killed in {location}!"
	DefaultLockoutTemplate = "{discord_timestamp} {monster} ({note}) lockout detected!"

	// DefaultServerZone is the zone the game server writes log times in.
	DefaultServerZone = "America/New_York"
)

var (
	emptyNote  = regexp.MustCompile(`\s*\(?\s*\{note\}\s*\)?\s*`)
	multiSpace = regexp.MustCompile(`\s+`)
)

// Templates holds the message templates for the two kill kinds.
type Templates struct {
	Zone    string `mapstructure:"zone"`
	Lockout string `mapstructure:"lockout"`
}

// DefaultTemplates returns the stock wording.
func DefaultTemplates() Templates {
	return Templates{Zone: DefaultZoneTemplate, Lockout: DefaultLockoutTemplate}
}

// Formatter renders kill messages. It is safe for concurrent use.
type Formatter struct {
	tpl    Templates
	loc    *time.Location
	server string
}

// NewFormatter creates a Formatter. loc is the zone log times are written
// in; nil means DefaultServerZone. server fills the {server} token for
// kills reported by no one, such as lockout lines.
func NewFormatter(tpl Templates, loc *time.Location, server string) *Formatter {
	def := DefaultTemplates()
	if strings.TrimSpace(tpl.Zone) == "" {
		tpl.Zone = def.Zone
	}
	if strings.TrimSpace(tpl.Lockout) == "" {
		tpl.Lockout = def.Lockout
	}
	if loc == nil {
		loc = mustLoad(DefaultServerZone)
	}
	return &Formatter{tpl: tpl, loc: loc, server: server}
}

// LoadLocation resolves a zone name, falling back to DefaultServerZone.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultServerZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Format renders the message for ev resolved to target.
func (f *Formatter) Format(ev model.KillEvent, target model.TrackedTarget) string {
	tpl := f.tpl.Zone
	if ev.IsLockout() {
		tpl = f.tpl.Lockout
	}

	note := strings.TrimSpace(target.Annotation)
	if note == "" {
		tpl = emptyNote.ReplaceAllString(tpl, " ")
		tpl = strings.TrimSpace(multiSpace.ReplaceAllString(tpl, " "))
	}

	name := target.Name
	if name == "" {
		name = ev.Target
	}

	full, relative := ev.Timestamp, ev.Timestamp
	if t, err := model.ParseTimestampIn(ev.Timestamp, f.loc); err == nil {
		unix := t.Unix()
		full = fmt.Sprintf("<t:%d:F>", unix)
		relative = fmt.Sprintf("<t:%d:R>", unix)
	}

	// Lockout lines carry no reporter.
	reporter := ev.Reporter
	if reporter == "" {
		reporter = f.server
	}

	r := strings.NewReplacer(
		"{discord_timestamp_relative}", relative,
		"{discord_timestamp}", full,
		"{timestamp}", ev.Timestamp,
		"{monster}", name,
		"{target}", name,
		"{note}", note,
		"{annotation}", note,
		"{player}", ev.Actor,
		"{actor}", ev.Actor,
		"{guild}", ev.ActorGroup,
		"{group}", ev.ActorGroup,
		"{location}", ev.Location,
		"{server}", reporter,
		"{reporter}", reporter,
	)
	return r.Replace(tpl)
}

// MaskURL shortens a webhook URL so logs never carry its token.
func MaskURL(url string) string {
	s := strings.TrimSpace(url)
	switch {
	case s == "":
		return "(empty)"
	case len(s) <= 20:
		return "****"
	case len(s) > 40:
		return s[:30] + "..." + s[len(s)-4:]
	default:
		return s[:15] + "..." + s[len(s)-4:]
	}
}
