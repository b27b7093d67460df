package bot

import "testing"

func TestUsageMatch(t *testing.T) {
	t.Run("matches the whole text only", func(t *testing.T) {
		u := MustParseUsage(`ping`)
		if u.MatchText("ping pong") != nil {
			t.Error("matched trailing text")
		}
		if u.MatchText("say ping") != nil {
			t.Error("matched leading text")
		}
		if u.MatchText("ping") == nil {
			t.Error("did not match exact text")
		}
	})

	t.Run("is case-insensitive", func(t *testing.T) {
		u := MustParseUsage(`ping`)
		if u.MatchText("PING") == nil {
			t.Error("did not match upper-case text")
		}
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		u := MustParseUsage(`ping`)
		if u.MatchText("  ping \n") == nil {
			t.Error("did not match padded text")
		}
	})

	t.Run("extracts positional parameters", func(t *testing.T) {
		u := MustParseUsage(`xkcd: ?(\w+)`)
		args := u.MatchText("xkcd: 927")
		if args == nil {
			t.Fatal("did not match")
		}
		if args.Values[0] != "927" {
			t.Errorf("expected 927, got %q", args.Values[0])
		}
	})

	t.Run("entity parameters need an entity", func(t *testing.T) {
		u := MustParseUsage(`impersonate <@user>`)

		// Text alone looks right but carries no entity.
		if u.MatchText("impersonate <@u2>") != nil {
			t.Error("matched without an entity")
		}

		m := Message{
			Text:     "impersonate <@u2>",
			Entities: []Entity{{Kind: EntityUser, User: "u2"}},
		}
		args := u.Match(m)
		if args == nil {
			t.Fatal("did not match with an entity present")
		}
		if len(args.Users) != 1 || args.Users[0] != "u2" {
			t.Errorf("expected user u2, got %v", args.Users)
		}
	})

	t.Run("mixed entity and text parameters keep their order", func(t *testing.T) {
		u := MustParseUsage(`give <@user> (\d+) points`)
		m := Message{
			Text:     "give <@u7> 40 points",
			Entities: []Entity{{Kind: EntityUser, User: "u7"}},
		}
		args := u.Match(m)
		if args == nil {
			t.Fatal("did not match")
		}
		if args.Users[0] != "u7" {
			t.Errorf("expected user u7, got %v", args.Users)
		}
		if args.Values[1] != "40" {
			t.Errorf("expected 40, got %q", args.Values[1])
		}
	})

	t.Run("rejects empty grammars", func(t *testing.T) {
		if _, err := ParseUsage("   "); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("rejects grammars that do not compile", func(t *testing.T) {
		if _, err := ParseUsage(`ping (`); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestAmbiguous(t *testing.T) {
	t.Run("overlapping grammars are flagged", func(t *testing.T) {
		a := MustParseUsage(`ping`)
		b := MustParseUsage(`p.*`)
		if !ambiguous(a, b) {
			t.Error("expected ping and p.* to be ambiguous")
		}
	})

	t.Run("disjoint grammars pass", func(t *testing.T) {
		a := MustParseUsage(`ping`)
		b := MustParseUsage(`pong`)
		if ambiguous(a, b) {
			t.Error("expected ping and pong to be unambiguous")
		}
	})

	t.Run("capture groups do not hide overlap", func(t *testing.T) {
		a := MustParseUsage(`xkcd: ?(\w+)`)
		b := MustParseUsage(`xkcd: (.+)`)
		if !ambiguous(a, b) {
			t.Error("expected the two xkcd grammars to be ambiguous")
		}
	})

	t.Run("different prefixes with groups pass", func(t *testing.T) {
		a := MustParseUsage(`d/(\S+)`)
		b := MustParseUsage(`ghd/(\S+)`)
		if ambiguous(a, b) {
			t.Error("expected d/ and ghd/ to be unambiguous")
		}
	})
}
