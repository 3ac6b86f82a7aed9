package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shopkit/api/internal/services"
)

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:           "order.status_changed",
		OrderID:        "ord_test",
		OrderNumber:    "ORD20260310080000123456",
		UserID:         "usr_test",
		PreviousStatus: "pending",
		CurrentStatus:  "paid",
		ActorID:        "usr_admin",
		OccurredAt:     occurredAt,
		Metadata:       map[string]any{"note": "payment confirmed"},
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload map[string]any
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["orderId"] != "ord_test" || payload["type"] != "order.status_changed" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload["previousStatus"] != "pending" || payload["currentStatus"] != "paid" {
		t.Fatalf("expected status transition in payload, got %#v", payload)
	}

	if !topic.EnableMessageOrdering {
		t.Fatal("expected message ordering enabled on the topic")
	}
	if messages[0].OrderingKey != "ord_test" {
		t.Fatalf("expected ordering key ord_test, got %q", messages[0].OrderingKey)
	}

	attrs := messages[0].Attributes
	if attrs["eventType"] != "order.status_changed" {
		t.Fatalf("expected eventType attribute, got %q", attrs["eventType"])
	}
	if attrs["orderId"] != "ord_test" {
		t.Fatalf("expected orderId attribute, got %q", attrs["orderId"])
	}
	if _, ok := attrs["note"]; ok {
		t.Fatal("metadata must not leak into attributes")
	}
}

func TestNewPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
