package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()

	if c.PlannerCron != "0 2 * * *" {
		t.Errorf("PlannerCron default = %q", c.PlannerCron)
	}
	if c.DispatcherCron != "* * * * *" {
		t.Errorf("DispatcherCron default = %q", c.DispatcherCron)
	}
	if c.Timezone != "Europe/Istanbul" {
		t.Errorf("Timezone default = %q", c.Timezone)
	}
	if c.DispatcherBatchSize != 50 {
		t.Errorf("DispatcherBatchSize default = %d", c.DispatcherBatchSize)
	}
	if c.ConsumerPrefetch != 10 {
		t.Errorf("ConsumerPrefetch default = %d", c.ConsumerPrefetch)
	}
	if c.ConsumerMaxRetries != 3 {
		t.Errorf("ConsumerMaxRetries default = %d", c.ConsumerMaxRetries)
	}
	if c.ConsumerRetryDelay != 5000*time.Millisecond {
		t.Errorf("ConsumerRetryDelay default = %v", c.ConsumerRetryDelay)
	}
	if c.PresenceTTL != time.Hour {
		t.Errorf("PresenceTTL default = %v", c.PresenceTTL)
	}
	if c.MessageContentMax != 1000 {
		t.Errorf("MessageContentMax default = %d", c.MessageContentMax)
	}
}

func TestLoadOverride(t *testing.T) {
	t.Setenv("DISPATCHER_BATCH_SIZE", "25")
	t.Setenv("CONSUMER_MAX_RETRIES", "5")

	c := Load()

	if c.DispatcherBatchSize != 25 {
		t.Errorf("DispatcherBatchSize override = %d, want 25", c.DispatcherBatchSize)
	}
	if c.ConsumerMaxRetries != 5 {
		t.Errorf("ConsumerMaxRetries override = %d, want 5", c.ConsumerMaxRetries)
	}
}
