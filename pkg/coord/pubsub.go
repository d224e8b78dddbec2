package coord

import (
	"context"
	"fmt"
)

// RunCreatedChannel carries run ids of freshly created READY runs.
const RunCreatedChannel = "run:new"

func logChannel(runID string) string {
	return fmt.Sprintf("logs:%s", runID)
}

// PublishRunCreated nudges dispatch workers that a new run is pending.
// Best-effort: the dispatch tick picks up anything a lost message missed.
func (c *Client) PublishRunCreated(ctx context.Context, runID string) error {
	if err := c.rdb.Publish(ctx, RunCreatedChannel, runID).Err(); err != nil {
		return fmt.Errorf("failed to publish run created: %w", err)
	}
	return nil
}

// SubscribeRunCreated delivers run ids until ctx is done.
func (c *Client) SubscribeRunCreated(ctx context.Context) (<-chan string, func()) {
	sub := c.rdb.Subscribe(ctx, RunCreatedChannel)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

// PublishLogEntry fans a serialized log entry out to live subscribers.
func (c *Client) PublishLogEntry(ctx context.Context, runID string, payload []byte) error {
	if err := c.rdb.Publish(ctx, logChannel(runID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish log entry: %w", err)
	}
	return nil
}

// SubscribeLogEntries delivers serialized log entries for a run until ctx is
// done or the returned cancel func is called.
func (c *Client) SubscribeLogEntries(ctx context.Context, runID string) (<-chan []byte, func()) {
	sub := c.rdb.Subscribe(ctx, logChannel(runID))
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}
