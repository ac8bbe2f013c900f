package parser

import (
	"regexp"
	"strings"

	"github.com/lorddemonos/killfeed/internal/model"
)

// Parser extracts a kill candidate from one raw log line.
// ok is false when the line does not match the grammar.
type Parser interface {
	Parse(raw string, source string) (ev model.KillEvent, ok bool)
}

// ---------------------------------------------------------------------------
// Zone Parser (guild relay of a kill)
// ---------------------------------------------------------------------------

// ZoneParser handles the guild relay sentence:
//
//	[ts] Reporter tells the guild, 'Actor of <Group> has killed Target in Place!'
type ZoneParser struct {
	re *regexp.Regexp
}

func NewZoneParser() *ZoneParser {
	return &ZoneParser{
		re: regexp.MustCompile(`\[(.+?)\] (.+?) tells the guild, '(.+?) of <(.+?)> has killed (.+?) in (.+?)!'`),
	}
}

func (p *ZoneParser) Parse(raw string, source string) (model.KillEvent, bool) {
	lower := strings.ToLower(raw)
	if !strings.Contains(lower, "tells the guild") || !strings.Contains(lower, "has killed") {
		return model.KillEvent{}, false
	}

	m := p.re.FindStringSubmatch(raw)
	if m == nil {
		return model.KillEvent{}, false
	}

	return model.KillEvent{
		Timestamp:  strings.TrimSpace(m[1]),
		Kind:       model.SourceZone,
		Reporter:   strings.TrimSpace(m[2]),
		Actor:      strings.TrimSpace(m[3]),
		ActorGroup: strings.TrimSpace(m[4]),
		Target:     strings.TrimSpace(m[5]),
		Location:   strings.TrimSpace(m[6]),
		Line:       raw,
		Source:     source,
	}, true
}

// ---------------------------------------------------------------------------
// Lockout Parser
// ---------------------------------------------------------------------------

// LockoutParser handles the personal lockout notice:
//
//	[ts] You have incurred a lockout for Target that expires in ...
//
// It carries no actor or place, so the location is LockoutCategory.
type LockoutParser struct {
	re *regexp.Regexp
}

func NewLockoutParser() *LockoutParser {
	return &LockoutParser{
		re: regexp.MustCompile(`\[(.+?)\] You have incurred a lockout for (.+?) that expires in`),
	}
}

func (p *LockoutParser) Parse(raw string, source string) (model.KillEvent, bool) {
	lower := strings.ToLower(raw)
	if !strings.Contains(lower, "incurred a lockout") || !strings.Contains(lower, "expires in") {
		return model.KillEvent{}, false
	}

	m := p.re.FindStringSubmatch(raw)
	if m == nil {
		return model.KillEvent{}, false
	}

	return model.KillEvent{
		Timestamp: strings.TrimSpace(m[1]),
		Kind:      model.SourceLockout,
		Target:    strings.TrimSpace(m[2]),
		Location:  model.LockoutCategory,
		Line:      raw,
		Source:    source,
	}, true
}

// ---------------------------------------------------------------------------
// Chain (grammars tried in order)
// ---------------------------------------------------------------------------

// Chain tries each parser independently and returns the first match.
type Chain struct {
	parsers []Parser
}

func NewChain(parsers ...Parser) *Chain {
	return &Chain{parsers: parsers}
}

// NewKillParser returns the standard chain: zone grammar, then lockout.
func NewKillParser() *Chain {
	return NewChain(NewZoneParser(), NewLockoutParser())
}

func (c *Chain) Parse(raw string, source string) (model.KillEvent, bool) {
	for _, p := range c.parsers {
		if ev, ok := p.Parse(raw, source); ok {
			return ev, true
		}
	}
	return model.KillEvent{}, false
}
