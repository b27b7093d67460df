package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/trace"
	"golang.org/x/net/context/ctxhttp"

	"github.com/gobridge/herald/bot"
)

// GoTime polls the changelog.com live status and announces when the GoTime
// show goes on air. It is both schedulable (poll every few minutes) and
// bindable ("gotime?" forces a check).
type GoTime struct {
	startTimeVariance time.Duration

	mu           sync.Mutex
	lastNotified time.Time
}

// NewGoTime constructs a *GoTime.
//
// startTimeVariance sets the window around the stream's scheduled start in
// which a live stream is considered a GoTime stream. The changelog APIs
// report whether anything is streaming, not which show.
func NewGoTime(startTimeVariance time.Duration) *GoTime {
	return &GoTime{startTimeVariance: startTimeVariance}
}

// Action exposes the poll as an engine action.
func (gt *GoTime) Action() *bot.Action {
	return &bot.Action{
		ID:              "gotime",
		StartingMessage: "Checking whether GoTime is live...",
		Execute:         gt.poll,
	}
}

// poll reports the stream status. At most one announcement goes out per 24
// hours so a repeating schedule does not spam the channel; triggered runs
// still answer, just without repeating the announcement.
func (gt *GoTime) poll(ctx context.Context, svc *bot.Services, payload string) (string, error) {
	span := trace.FromContext(ctx).NewChild("GoTime.poll")
	defer span.Finish()

	now := time.Now()

	var status struct {
		Streaming bool
	}
	if err := gt.get(ctx, svc.HTTP, "https://changelog.com/live/status", &status); err != nil {
		return "", err
	}
	if !status.Streaming {
		return "", nil
	}

	var countdown struct {
		Data time.Time
	}
	if err := gt.get(ctx, svc.HTTP, "https://changelog.com/slack/countdown/gotime", &countdown); err != nil {
		return "", err
	}

	next := countdown.Data
	if now.Before(next.Add(-gt.startTimeVariance)) || now.After(next.Add(gt.startTimeVariance)) {
		return "", nil
	}

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if gt.lastNotified.After(now.Add(-24 * time.Hour)) {
		return "", nil
	}
	gt.lastNotified = now
	return "GoTime is live! Tune in at <https://changelog.com/live>", nil
}

// get fetches url and unmarshals the JSON response into i.
func (gt *GoTime) get(ctx context.Context, client *http.Client, url string, i interface{}) error {
	resp, err := ctxhttp.Get(ctx, client, url)
	if err != nil {
		return fmt.Errorf("making http request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("non-200 status code: %d - %s", resp.StatusCode, resp.Status)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %v", err)
	}

	if err := json.Unmarshal(body, i); err != nil {
		return fmt.Errorf("unmarshaling response: %s", err)
	}
	return nil
}
