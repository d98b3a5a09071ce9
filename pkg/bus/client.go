package bus

import (
	"context"
	"strings"

	"companiongw/pkg/apperror"
)

// Client is a topic-scoped handle onto a Broker, obtained via
// RegisterModule. It enforces the allow-list of topics the owning module
// was granted (spec §4.8: "register_module(name, allowed_topics[]) returning
// scoped client").
type Client struct {
	moduleName    string
	allowedTopics []string
	broker        *Broker
}

// RegisterModule returns a Client scoped to allowedTopics. Publishing or
// subscribing to a topic outside that list is rejected.
func RegisterModule(broker *Broker, name string, allowedTopics []string) *Client {
	return &Client{moduleName: name, allowedTopics: allowedTopics, broker: broker}
}

// Publish publishes payload to topic if the client's allow-list permits it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, correlationID string) error {
	if !c.permits(topic) {
		return apperror.NewWithField(apperror.CodePermissionDenied,
			"module is not permitted to publish on this topic", "topic")
	}
	return c.broker.Publish(ctx, topic, payload, correlationID)
}

// Subscribe registers handler for pattern if the client's allow-list
// permits it.
func (c *Client) Subscribe(pattern string, handler Handler) (func(), error) {
	if !c.permits(pattern) {
		return nil, apperror.NewWithField(apperror.CodePermissionDenied,
			"module is not permitted to subscribe on this topic", "topic")
	}
	return c.broker.Subscribe(pattern, handler)
}

// ModuleName returns the name this client was registered under.
func (c *Client) ModuleName() string {
	return c.moduleName
}

// permits reports whether topic is covered by one of the client's allowed
// patterns. A client pattern may itself use wildcards, in which case any
// topic reachable through that pattern is permitted.
func (c *Client) permits(topic string) bool {
	for _, allowed := range c.allowedTopics {
		if allowed == topic {
			return true
		}
		if strings.ContainsAny(allowed, "*") && matchTopic(allowed, topic) {
			return true
		}
	}
	return false
}
