package bot

import (
	"context"
	"fmt"
)

// CommandFunc executes a matched command. It returns the reply to post to
// the invoking channel; errors are surfaced to the user, never swallowed.
type CommandFunc func(ctx context.Context, svc *Services, args *Args, sender UserID) (string, error)

// Command is a single-turn handler matched against message text and gated
// by a permission.
type Command struct {
	// Usage is the grammar the command is matched with. See the grammar
	// summary in matcher.go.
	Usage string
	// Help is a one-line description shown by the help command.
	Help string
	// Permission gates dispatch. The zero value denies everyone.
	Permission Permission
	// Run is the command body.
	Run CommandFunc

	usage *Usage
}

// commandSet routes messages to registered commands in registration order.
type commandSet struct {
	logf Logger
	cmds []*Command
}

func newCommandSet(logf Logger) *commandSet {
	return &commandSet{logf: logf}
}

// register adds a command, rejecting grammars that are structurally
// ambiguous with an already registered one. Ambiguity is a configuration
// error: it must fail at startup, never surface at runtime.
func (cs *commandSet) register(c *Command) error {
	if c.Run == nil {
		return fmt.Errorf("command %q has no body", c.Usage)
	}
	u, err := ParseUsage(c.Usage)
	if err != nil {
		return err
	}
	for _, prev := range cs.cmds {
		if ambiguous(prev.usage, u) {
			return fmt.Errorf("command grammar %q is ambiguous with %q", c.Usage, prev.Usage)
		}
	}
	c.usage = u
	cs.cmds = append(cs.cmds, c)
	return nil
}

// route returns the first registered command matching the message, O(n) over
// the registered commands. n is small and each message is routed once.
func (cs *commandSet) route(m Message) (*Command, *Args) {
	for _, c := range cs.cmds {
		if args := c.usage.Match(m); args != nil {
			return c, args
		}
	}
	return nil, nil
}

// help lists registered commands that carry a help line.
func (cs *commandSet) help() []string {
	var out []string
	for _, c := range cs.cmds {
		if c.Help == "" {
			continue
		}
		out = append(out, fmt.Sprintf("- %q -> %s", c.Usage, c.Help))
	}
	return out
}
