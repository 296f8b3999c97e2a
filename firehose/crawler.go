package firehose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Crawler asks relays to crawl this server, at startup and again whenever
// nobody has been subscribed for an Interval.
type Crawler struct {
	// Hostname is this server's public host name.
	Hostname string
	// Relays are host names or URLs; only the host is used.
	Relays    []string
	Interval  time.Duration
	Client    *http.Client
	Listeners func() int
	Logger    *logrus.Logger
}

type crawlRequest struct {
	Hostname string `json:"hostname"`
}

func relayHost(relay string) (string, error) {
	if !strings.Contains(relay, "://") {
		relay = "https://" + relay
	}
	u, err := url.Parse(relay)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay %q has no host", relay)
	}
	return u.Host, nil
}

// RequestCrawl asks each relay once. Failures are logged and counted.
func (c *Crawler) RequestCrawl(ctx context.Context) int {
	log := c.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(crawlRequest{Hostname: "https://" + c.Hostname})
	if err != nil {
		panic(err)
	}
	failed := 0
	for _, relay := range c.Relays {
		l := log.WithField("relay", relay)
		if err := c.request(ctx, client, relay, body); err != nil {
			l.WithError(err).Error("requestCrawl failed")
			failed++
			continue
		}
		l.Info("requested crawl")
	}
	return failed
}

func (c *Crawler) request(ctx context.Context, client *http.Client, relay string, body []byte) error {
	host, err := relayHost(relay)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://"+host+"/xrpc/com.atproto.sync.requestCrawl", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// Run requests a crawl now and then whenever there are no listeners at an
// Interval tick, until ctx ends.
func (c *Crawler) Run(ctx context.Context) {
	if len(c.Relays) == 0 {
		return
	}
	c.RequestCrawl(ctx)
	if c.Interval <= 0 {
		return
	}
	t := time.NewTicker(c.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if c.Listeners == nil || c.Listeners() == 0 {
				c.RequestCrawl(ctx)
			}
		}
	}
}
