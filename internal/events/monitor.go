package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/conversion_hook/internal/logging"
	"github.com/austindbirch/conversion_hook/internal/metrics"
)

// nsqdStats is the subset of nsqd's /stats?format=json we read.
type nsqdStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// ChannelStats is the backlog of one channel.
type ChannelStats struct {
	Topic    string
	Channel  string
	Depth    int64
	InFlight int64
}

// StatsClient reads channel depths from nsqd's HTTP API.
type StatsClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewStatsClient targets nsqdHTTPAddr (host:port or a full URL).
func NewStatsClient(nsqdHTTPAddr string, hc *http.Client) *StatsClient {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	base := strings.TrimRight(nsqdHTTPAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &StatsClient{baseURL: base, httpClient: hc}
}

// Channels returns the stats of every channel of topic.
func (c *StatsClient) Channels(ctx context.Context, topic string) ([]ChannelStats, error) {
	q := url.Values{"format": {"json"}, "topic": {topic}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var out []ChannelStats
	for _, t := range stats.Topics {
		if t.TopicName != topic {
			continue
		}
		for _, ch := range t.Channels {
			out = append(out, ChannelStats{
				Topic:    t.TopicName,
				Channel:  ch.ChannelName,
				Depth:    ch.Depth,
				InFlight: ch.InFlightCount,
			})
		}
	}
	return out, nil
}

// MonitorChannels publishes the channel gauges of topic every interval until
// ctx ends.
func MonitorChannels(ctx context.Context, c *StatsClient, topic string, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.New("convhook-nsq-monitor")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sampleChannels(ctx, c, topic, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleChannels(ctx context.Context, c *StatsClient, topic string, logger *logging.Logger) {
	chans, err := c.Channels(ctx, topic)
	if err != nil {
		if ctx.Err() == nil {
			logger.Plain().WithError(err).WithField("topic", topic).Warn("failed to read nsq channel stats")
		}
		return
	}
	for _, ch := range chans {
		metrics.UpdateNSQChannel(ch.Topic, ch.Channel, ch.Depth, ch.InFlight)
	}
}
