package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/derktes/signal-recorder/signal"
	"github.com/derktes/signal-recorder/store"
)

const publishTimeout = 5 * time.Second

// Feed announces and serves saved signals. *store.Sink implements it.
type Feed interface {
	Subscribe(ctx context.Context, id string) (<-chan store.Entry, func(), error)
	Load(ctx context.Context, name string) (*signal.Packet, error)
}

// publishedSignal is the body posted upstream. It matches the import
// request of the signals endpoint.
type publishedSignal struct {
	Mode      signal.Mode    `json:"mode"`
	Timestamp uint64         `json:"timestamp"`
	Truncated bool           `json:"truncated"`
	Pulses    []signal.Pulse `json:"pulses"`
}

// Publisher forwards every saved signal to another recorder's /signals
// endpoint.
type Publisher struct {
	serverURL string
	client    *http.Client
	log       *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher returns a publisher posting to base, e.g. http://host:8080.
func NewPublisher(base string, log *slog.Logger) (*Publisher, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("collector: publish url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("collector: publish url %q: scheme must be http or https", base)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		serverURL: u.JoinPath("signals").String(),
		client:    &http.Client{Timeout: publishTimeout},
		log:       log,
	}, nil
}

// URL is the endpoint signals are posted to.
func (pc *Publisher) URL() string { return pc.serverURL }

// Published and Failed count forwarding outcomes.
func (pc *Publisher) Published() uint64 { return pc.published.Load() }
func (pc *Publisher) Failed() uint64    { return pc.failed.Load() }

// Run forwards saved signals until ctx is done. A failed post is logged and
// skipped.
func (pc *Publisher) Run(ctx context.Context, feed Feed) error {
	saved, unsubscribe, err := feed.Subscribe(ctx, "publisher")
	if err != nil {
		return err
	}
	defer unsubscribe()
	pc.log.Info("signals will be published", "url", pc.serverURL)

	for {
		select {
		case e, ok := <-saved:
			if !ok {
				return nil
			}
			if err := pc.publish(ctx, feed, e); err != nil {
				pc.failed.Add(1)
				pc.log.Warn("publish signal", "name", e.Name, "err", err)
				continue
			}
			pc.published.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}

func (pc *Publisher) publish(ctx context.Context, feed Feed, e store.Entry) error {
	p, err := feed.Load(ctx, e.Name)
	if err != nil {
		return err
	}
	defer p.Release()
	pulses, err := p.Pulses()
	if err != nil {
		return err
	}
	body, err := json.Marshal(publishedSignal{
		Mode:      p.Mode,
		Timestamp: p.Timestamp,
		Truncated: p.Truncated,
		Pulses:    pulses,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.serverURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := pc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("collector: publish %s: response %s", e.Name, resp.Status)
	}
	pc.log.Debug("published signal", "name", e.Name, "status", resp.StatusCode)
	return nil
}
