package handlers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ChimeraCoder/anaconda"

	"github.com/gobridge/herald/bot"
)

// Announce tweets the given text from the community account. It is meant to
// be registered with an admin-only permission.
func Announce(api *anaconda.TwitterApi, p bot.Permission) *bot.Command {
	return &bot.Command{
		Usage:      `announce: (.+)`,
		Help:       "tweet an announcement (admins only)",
		Permission: p,
		Run: func(ctx context.Context, svc *bot.Services, args *bot.Args, sender bot.UserID) (string, error) {
			text := args.Values[0]
			if len(text) > 280 {
				return "", fmt.Errorf("announcement is %d characters, the limit is 280", len(text))
			}
			tweet, err := api.PostTweet(text, url.Values{})
			if err != nil {
				return "", fmt.Errorf("posting tweet: %v", err)
			}
			return fmt.Sprintf("announced: <https://twitter.com/%s/status/%s>", tweet.User.ScreenName, tweet.IdStr), nil
		},
	}
}
