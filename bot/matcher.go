package bot

import (
	"fmt"
	"regexp"
	"strings"
)

// Grammar summary
//
// A usage grammar is a regular expression over the lower-cased, trimmed
// message text. Matching is case-insensitive and anchored to the whole
// string; partial matches never fire a handler.
//
// Capture groups are positional: group n becomes parameter n, in declaration
// order. The special token <@user> captures a mentioned user and consumes
// the next entity from the message's entity list; a message without enough
// entities does not match.
//
// Examples of accepted grammars:
//
//	ping
//	xkcd: ?(\w+)
//	announce: (.+)
//	impersonate <@user>

// entityToken marks an entity-typed parameter in a grammar.
const entityToken = "<@user>"

// mentionPattern is the wire form of a user mention, as the transport
// adapter delivers it.
const mentionPattern = `<@([a-z0-9]+)>`

// Usage is a command grammar plus its derived matcher.
type Usage struct {
	Grammar string

	re          *regexp.Regexp
	entityGroup []bool // per capture group, whether it is entity-typed
}

// Args holds the parameters extracted from a matched message.
type Args struct {
	// Values are the raw capture group matches, in declaration order.
	Values []string
	// Users are the users consumed by entity-typed parameters, in order.
	Users []UserID
}

// ParseUsage compiles a grammar into a Usage.
func ParseUsage(grammar string) (*Usage, error) {
	if strings.TrimSpace(grammar) == "" {
		return nil, fmt.Errorf("empty usage grammar")
	}

	expanded := strings.Replace(grammar, entityToken, mentionPattern, -1)
	re, err := regexp.Compile(`(?i)^` + expanded + `$`)
	if err != nil {
		return nil, fmt.Errorf("compiling usage grammar %q: %v", grammar, err)
	}

	u := &Usage{
		Grammar:     grammar,
		re:          re,
		entityGroup: entityGroups(grammar, re.NumSubexp()),
	}
	return u, nil
}

// MustParseUsage is ParseUsage, panicking on error. For registration-time use.
func MustParseUsage(grammar string) *Usage {
	u, err := ParseUsage(grammar)
	if err != nil {
		panic(err)
	}
	return u
}

// entityGroups marks which capture group indexes come from entity tokens.
// Entity tokens contribute exactly one group each, interleaved with the
// grammar's own groups in source order.
func entityGroups(grammar string, n int) []bool {
	groups := make([]bool, 0, n)
	rest := grammar
	for len(rest) > 0 {
		tok := strings.Index(rest, entityToken)
		grp := indexCaptureGroup(rest)
		if tok == -1 && grp == -1 {
			break
		}
		if tok != -1 && (grp == -1 || tok < grp) {
			groups = append(groups, true)
			rest = rest[tok+len(entityToken):]
			continue
		}
		groups = append(groups, false)
		rest = rest[grp+1:]
	}
	return groups
}

// indexCaptureGroup finds the next unescaped capturing paren.
func indexCaptureGroup(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '(':
			if !strings.HasPrefix(s[i:], "(?") {
				return i
			}
		}
	}
	return -1
}

// Match tries the usage against a message. It returns nil when the text does
// not match the whole grammar, or when an entity-typed parameter is required
// but the message carries no further entities.
func (u *Usage) Match(m Message) *Args {
	sub := u.re.FindStringSubmatch(strings.TrimSpace(m.Text))
	if sub == nil {
		return nil
	}

	args := &Args{Values: sub[1:]}
	next := 0
	for i, isEntity := range u.entityGroup {
		if !isEntity {
			continue
		}
		if next >= len(m.Entities) {
			return nil
		}
		ent := m.Entities[next]
		next++
		if ent.Kind != EntityUser {
			return nil
		}
		args.Users = append(args.Users, ent.User)
		// Prefer the entity's identity over the textual capture.
		if i < len(args.Values) {
			args.Values[i] = string(ent.User)
		}
	}
	return args
}

// MatchText is Match over bare text, for callers without a full message.
func (u *Usage) MatchText(text string) *Args {
	return u.Match(Message{Text: text})
}

var (
	sampleGroupRE = regexp.MustCompile(`\([^()]*\)`)
	sampleMetaRE  = strings.NewReplacer("?", "", "+", "", "*", "", "^", "", "$", "", "\\", "")
)

// fillers stand in for capture groups when deriving the sample corpus used
// by the registration-time ambiguity check. Several shapes are needed so
// that digit-only and word-only groups each produce at least one string
// matching their own grammar.
var fillers = []string{"7", "a", "a7 a7"}

// samples derives plausible matching inputs from the grammar. The corpus is
// heuristic: a sample that fails to match its own grammar is harmless, it
// only weakens the cross-check.
func (u *Usage) samples() []string {
	base := strings.Replace(u.Grammar, entityToken, "<@u0sample>", -1)
	out := make([]string, 0, len(fillers))
	for _, f := range fillers {
		s := sampleGroupRE.ReplaceAllString(base, f)
		s = sampleMetaRE.Replace(s)
		out = append(out, strings.ToLower(s))
	}
	return out
}

// ambiguous reports whether two usages can both claim the same text, judged
// against the sample corpus derived from each grammar.
func ambiguous(a, b *Usage) bool {
	for _, s := range a.samples() {
		if a.MatchText(s) != nil && b.MatchText(s) != nil {
			return true
		}
	}
	for _, s := range b.samples() {
		if b.MatchText(s) != nil && a.MatchText(s) != nil {
			return true
		}
	}
	return false
}
