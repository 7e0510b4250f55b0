package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	OpenRequestsTopic = "requests:open"

	sessionTopicPrefix  = "session:"
	requestTopicPrefix  = "request:"
	providerTopicPrefix = "provider:"
	channelPrefix       = "events:"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID
}

func RequestTopic(requestID string) string {
	return requestTopicPrefix + requestID
}

func ProviderTopic(providerID string) string {
	return providerTopicPrefix + providerID
}

// EventChannel maps a bus topic to the pub/sub channel carrying it.
func EventChannel(topic string) string {
	return channelPrefix + topic
}

// ParseTopic splits a topic into its kind and id. The open request feed has
// no id.
func ParseTopic(topic string) (kind string, id string, ok bool) {
	if topic == OpenRequestsTopic {
		return OpenRequestsTopic, "", true
	}
	kind, id, found := strings.Cut(topic, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch kind + ":" {
	case sessionTopicPrefix, requestTopicPrefix, providerTopicPrefix:
		return kind, id, true
	}
	return "", "", false
}
