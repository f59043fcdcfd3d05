package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"publish-dispatch/internal/common/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
)

// Transport delivers one message to one device token and returns the
// provider message id.
type Transport interface {
	Send(ctx context.Context, token string, msg Message) (string, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSTransport publishes to a platform endpoint. The device token stored on
// the account is the endpoint ARN.
type SNSTransport struct {
	client SNSService
}

func NewSNSTransport(client SNSService) *SNSTransport {
	return &SNSTransport{client: client}
}

func (t *SNSTransport) Send(ctx context.Context, token string, msg Message) (string, error) {
	if token == "" {
		return "", errors.New("empty device token")
	}

	payload, err := snsPayload(msg)
	if err != nil {
		return "", err
	}

	out, err := t.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(token),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return "", fmt.Errorf("sns publish: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// snsPayload builds the per-platform envelope SNS expects when
// MessageStructure is "json": each value is itself a JSON string.
func snsPayload(msg Message) (string, error) {
	gcm, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{
			"title":        msg.Title,
			"body":         msg.Body,
			"click_action": msg.Link,
		},
		"data": msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("marshal gcm payload: %w", err)
	}

	apnsBody := map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": map[string]string{"title": msg.Title, "body": msg.Body},
			"sound": "default",
			"badge": 1,
		},
	}
	for k, v := range msg.Data {
		apnsBody[k] = v
	}
	apns, err := json.Marshal(apnsBody)
	if err != nil {
		return "", fmt.Errorf("marshal apns payload: %w", err)
	}

	envelope, err := json.Marshal(map[string]string{
		"default":      msg.Title + ": " + msg.Body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sns envelope: %w", err)
	}
	return string(envelope), nil
}

// LogTransport only logs. Used in development and when no provider is set.
type LogTransport struct {
	logger logger.Logger
}

func NewLogTransport(log logger.Logger) *LogTransport {
	return &LogTransport{logger: log.WithFields(map[string]interface{}{"transport": "push_log"})}
}

func (t *LogTransport) Send(_ context.Context, token string, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	t.logger.Info("push message", map[string]interface{}{
		"messageId":  id,
		"documentId": msg.DocumentID,
		"title":      msg.Title,
		"tokenLen":   len(token),
	})
	return id, nil
}
