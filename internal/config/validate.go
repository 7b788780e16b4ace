package config

import (
	"errors"
	"fmt"
	"time"
)

// minTickInterval is the shortest interval the cron "@every" descriptor accepts.
const minTickInterval = time.Second

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if err := c.validateConversation(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateDelivery(); err != nil {
		return err
	}
	if err := c.Script.Validate(); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

func (c *Config) validateConversation() error {
	conv := c.Conversation
	positive := []struct {
		name  string
		value Duration
	}{
		{"conversation.question_interval", conv.QuestionInterval},
		{"conversation.reminder_interval", conv.ReminderInterval},
		{"conversation.readiness_backoff", conv.ReadinessBackoff},
		{"conversation.claim_ttl", conv.ClaimTTL},
	}
	for _, p := range positive {
		if p.value.Duration <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if conv.NextQuestionDelay.Duration < 0 {
		return errors.New("conversation.next_question_delay must not be negative")
	}
	if conv.MaxReadinessBackoff.Duration < conv.ReadinessBackoff.Duration {
		return errors.New("conversation.max_readiness_backoff must be at least readiness_backoff")
	}
	if conv.MaxReadinessRetries < 1 {
		return errors.New("conversation.max_readiness_retries must be at least 1")
	}
	if conv.MaxReminders < 0 {
		return errors.New("conversation.max_reminders must not be negative")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.TickInterval.Duration < minTickInterval {
		return fmt.Errorf("scheduler.tick_interval must be at least %s", minTickInterval)
	}
	if s.Workers < 1 {
		return errors.New("scheduler.workers must be at least 1")
	}
	if s.BatchSize < 1 {
		return errors.New("scheduler.batch_size must be at least 1")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	d := c.Delivery
	if d.MaxAttempts < 1 {
		return errors.New("delivery.max_attempts must be at least 1")
	}
	if d.BaseDelay.Duration <= 0 || d.MaxDelay.Duration < d.BaseDelay.Duration {
		return errors.New("delivery.max_delay must be at least base_delay, and base_delay must be positive")
	}
	if d.NetworkTimeout.Duration <= 0 {
		return errors.New("delivery.network_timeout must be positive")
	}
	if d.SendsPerSecond <= 0 || d.SendBurst < 1 {
		return errors.New("delivery.sends_per_second must be positive and send_burst at least 1")
	}
	if d.MaxMediaBytes <= 0 {
		return errors.New("delivery.max_media_bytes must be positive")
	}
	if d.StaleDownloadAt.Duration <= 0 {
		return errors.New("delivery.stale_download_after must be positive")
	}
	return nil
}
