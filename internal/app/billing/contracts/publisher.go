package contracts

import "context"

// Publisher delivers an outbox payload to a broker queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte, headers map[string]string) error
}
