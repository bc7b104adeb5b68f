package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/creetelo/admin_backend/config"
	"github.com/gin-gonic/gin"
)

type ComparisonPubSubPayload struct {
	ComparisonId uint `json:"comparison_id"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DispatchComparison hands a pending run to the async worker. With Pub/Sub
// configured the run is published to the topic and picked up via the push
// endpoint; otherwise it is processed on a detached goroutine in-process.
func (e *Engine) DispatchComparison(ctx context.Context, comparisonId uint) error {
	if config.PubSubConfigured() {
		return publishComparisonRun(ctx, comparisonId)
	}

	go func() {
		_ = e.ProcessComparison(context.WithoutCancel(ctx), comparisonId)
	}()
	return nil
}

func publishComparisonRun(ctx context.Context, comparisonId uint) error {
	topicName := strings.TrimSpace(os.Getenv("COMPARISON_TOPIC"))
	if topicName == "" {
		topicName = "ghl-baremetrics-comparison"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("COMPARISON_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := ComparisonPubSubPayload{ComparisonId: comparisonId}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives Pub/Sub push deliveries. Always acks (204):
// a failed run is marked failed on the record, not redelivered.
func (e *Engine) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_COMPARISON_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload ComparisonPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.ComparisonId == 0 {
			c.Status(204)
			return
		}

		_ = e.ProcessComparison(c.Request.Context(), payload.ComparisonId)
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
