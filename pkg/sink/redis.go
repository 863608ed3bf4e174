package sink

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/pgsteward"
)

// Redis publishes alerts and reports to pub/sub channels so other
// services (dashboards, notification bridges) can subscribe without
// coupling to the upholder process.
type Redis struct {
	client        redis.UniversalClient
	alertChannel  string
	reportChannel string
}

// NewRedis creates a pub/sub sink. Empty channel names take defaults.
func NewRedis(client redis.UniversalClient, alertChannel, reportChannel string) *Redis {
	if alertChannel == "" {
		alertChannel = "pgsteward:alerts"
	}
	if reportChannel == "" {
		reportChannel = "pgsteward:reports"
	}
	return &Redis{
		client:        client,
		alertChannel:  alertChannel,
		reportChannel: reportChannel,
	}
}

func (r *Redis) OnAlert(ctx context.Context, a pgsteward.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.alertChannel, payload).Err()
}

func (r *Redis) OnReport(ctx context.Context, rep pgsteward.Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.reportChannel, payload).Err()
}
