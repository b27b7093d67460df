// Copyright 2016 Florin Pățan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command herald
//
// This is a Slack automation bot: single-turn commands, multi-turn
// conversational behaviors, and scheduled or triggered background actions.
//
// To run this you need to set the ` HERALD_SLACK_TOKEN ` environment
// variable with the Slack bot token and that's it.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"cloud.google.com/go/trace"
	"github.com/ChimeraCoder/anaconda"
	"golang.org/x/sync/errgroup"

	"github.com/gobridge/herald/bot"
	"github.com/gobridge/herald/handlers"
	"github.com/gobridge/herald/slackbot"
	"github.com/gobridge/herald/store"
	"github.com/gobridge/herald/web"
)

var botVersion = "HEAD"

var (
	slackToken    = os.Getenv("HERALD_SLACK_TOKEN")
	admins        = os.Getenv("HERALD_ADMINS")
	outputChannel = os.Getenv("HERALD_OUTPUT_CHANNEL")
	fallback      = os.Getenv("HERALD_FALLBACK")
	devMode       = os.Getenv("HERALD_DEV_MODE") == "true"
	gcpProject    = os.Getenv("HERALD_GCP_PROJECT")
	httpAddr      = os.Getenv("HERALD_HTTP_ADDR")

	twitterConsumerKey    = os.Getenv("HERALD_TWITTER_CONSUMER_KEY")
	twitterConsumerSecret = os.Getenv("HERALD_TWITTER_CONSUMER_SECRET")
	twitterAccessToken    = os.Getenv("HERALD_TWITTER_ACCESS_TOKEN")
	twitterAccessSecret   = os.Getenv("HERALD_TWITTER_ACCESS_SECRET")
)

func main() {
	if slackToken == "" {
		log.Fatal("slack token must be set in the HERALD_SLACK_TOKEN environment variable")
	}
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	logf := bot.Logger(log.Printf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		conversations bot.ConversationStore
		jobs          bot.JobStore
		traceClient   *trace.Client
	)
	if gcpProject != "" {
		ds, err := datastore.NewClient(ctx, gcpProject)
		if err != nil {
			log.Fatalf("creating datastore client: %v", err)
		}
		gcp := store.NewGCPStore(ds)
		conversations, jobs = gcp, gcp

		traceClient, err = trace.NewClient(ctx, gcpProject)
		if err != nil {
			log.Fatalf("creating trace client: %v", err)
		}
	} else {
		log.Println("HERALD_GCP_PROJECT not set, using in-memory storage")
		mem := store.NewMemory()
		conversations, jobs = mem, mem
	}

	slackClient := slackbot.New(slackToken, logf)

	engine := bot.New(bot.Config{
		Admins:           parseAdmins(admins),
		OutputChannel:    bot.ChannelID(outputChannel),
		FallbackResponse: fallback,
		DevMode:          devMode,
	}, slackClient, conversations, jobs, traceClient, logf)

	engine.RegisterCommand(handlers.Ping())
	engine.RegisterCommand(handlers.CoinFlip())
	engine.RegisterCommand(handlers.Version(botVersion))
	engine.RegisterCommand(handlers.Help(engine.Help))
	engine.RegisterCommand(handlers.XKCD(logf))
	engine.RegisterCommand(handlers.LinkToGoDoc(`d/(\S+)`, "https://godoc.org/"))
	engine.RegisterCommand(handlers.LinkToGoDoc(`ghd/(\S+)`, "https://godoc.org/github.com/"))
	engine.RegisterCommand(handlers.SearchForLibrary())

	if twitterConsumerKey != "" {
		anaconda.SetConsumerKey(twitterConsumerKey)
		anaconda.SetConsumerSecret(twitterConsumerSecret)
		twitter := anaconda.NewTwitterApi(twitterAccessToken, twitterAccessSecret)
		engine.RegisterCommand(handlers.Announce(twitter, engine.AdminOnly()))
	} else {
		log.Println("twitter credentials not set, announce command disabled")
	}

	engine.RegisterBehavior(handlers.Subscribe{})
	engine.RegisterActions(handlers.Digest())

	gotime := handlers.NewGoTime(15 * time.Minute).Action()
	engine.BindAction(gotime, `is gotime live`, bot.All())
	engine.ScheduleAction(gotime, bot.Every(10*time.Minute))

	srv := web.New(httpAddr, botVersion, logf)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return slackClient.Run(ctx, engine) })
	g.Go(func() error { return engine.Start(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	log.Printf("herald %s starting", botVersion)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func parseAdmins(s string) []bot.UserID {
	var out []bot.UserID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		out = append(out, bot.UserID(part))
	}
	return out
}
