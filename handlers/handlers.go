// Package handlers holds the commands, behaviors and actions the bot ships
// with. Everything here is plain engine registration material; the engine
// itself knows nothing about any of it.
package handlers

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"

	"github.com/gobridge/herald/bot"
)

// Ping responds to "ping" with "pong".
func Ping() *bot.Command {
	return &bot.Command{
		Usage:      `ping`,
		Help:       "check that the bot is alive",
		Permission: bot.All(),
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			return "pong", nil
		},
	}
}

// CoinFlip responds with "heads" or "tails".
func CoinFlip() *bot.Command {
	return &bot.Command{
		Usage:      `coin flip`,
		Help:       "flip a coin",
		Permission: bot.All(),
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			if rand.Intn(2) == 0 {
				return "heads", nil
			}
			return "tails", nil
		},
	}
}

// Version reports the running build.
func Version(version string) *bot.Command {
	msg := "My version is: " + version
	return &bot.Command{
		Usage:      `version`,
		Help:       "show the bot's version",
		Permission: bot.All(),
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			return msg, nil
		},
	}
}

// Help lists the registered commands. help() is deferred to dispatch time so
// commands registered after this one still show up.
func Help(help func() []string) *bot.Command {
	return &bot.Command{
		Usage:      `help`,
		Help:       "show this list",
		Permission: bot.All(),
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			lines := help()
			if len(lines) == 0 {
				return "no commands registered", nil
			}
			return "I know these commands:\n" + strings.Join(lines, "\n"), nil
		},
	}
}

// xkcdAliases map well-worn jokes to their comic numbers.
var xkcdAliases = map[string]int{
	"standards":    927,
	"compiling":    303,
	"optimization": 1691,
}

// XKCD links an xkcd comic by number or by a known alias.
func XKCD(logf bot.Logger) *bot.Command {
	return &bot.Command{
		Usage:      `xkcd: ?(\w+)`,
		Help:       "link an xkcd comic by number or alias",
		Permission: bot.All(),
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			arg := args.Values[0]
			comicID, ok := xkcdAliases[strings.ToLower(arg)]
			if !ok {
				num, err := strconv.Atoi(arg)
				if err != nil {
					logf("xkcd: not a number or alias: %q", arg)
					return "", fmt.Errorf("%q is neither a comic number nor an alias I know", arg)
				}
				comicID = num
			}
			return fmt.Sprintf("<https://xkcd.com/%d/>", comicID), nil
		},
	}
}

// LinkToGoDoc turns "d/<package>" style shorthands into godoc links.
func LinkToGoDoc(usage, urlPrefix string) *bot.Command {
	return &bot.Command{
		Usage:      usage,
		Help:       "link the godoc page of a package",
		Permission: bot.All(),
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			return `<` + urlPrefix + args.Values[0] + `>`, nil
		},
	}
}

// SearchForLibrary suggests places to search for a library.
func SearchForLibrary() *bot.Command {
	return &bot.Command{
		Usage:      `library for (.+)`,
		Help:       "suggest where to search for a library",
		Permission: bot.All(),
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			searchTerm := strings.Trim(args.Values[0], "?;., ")
			if len(searchTerm) == 0 || len(searchTerm) > 100 {
				return "", fmt.Errorf("that search term does not look reasonable")
			}
			searchTerm = url.QueryEscape(searchTerm)
			return `You can try to look here: <https://godoc.org/?q=` + searchTerm + `> or here <http://go-search.org/search?q=` + searchTerm + `>`, nil
		},
	}
}
