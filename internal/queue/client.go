package queue

import "context"

// Client delivers analysis-job messages to the worker queue.
type Client interface {
	Send(ctx context.Context, msg Message) error
}
