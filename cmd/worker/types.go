package main

import (
	"github.com/aws/aws-lambda-go/events"

	internalaws "github.com/imrishuroy/go-production-queue/internal/aws"
	qevents "github.com/imrishuroy/go-production-queue/internal/events"
)

// inboundMessage is the part of every consumed event the worker needs before
// it knows the concrete type.
type inboundMessage struct {
	qevents.Envelope
	OrderID string `json:"order_id"`
}

// messageTypes maps envelope message types to topics for messages that
// arrive without a topic attribute.
var messageTypes = map[string]string{
	"OrderAccepted":       qevents.TopicOrderAccepted,
	"OrderAcceptedEvent":  qevents.TopicOrderAccepted,
	"OrderCancelled":      qevents.TopicOrderCancelled,
	"OrderCancelledEvent": qevents.TopicOrderCancelled,
}

// sqsTopic reads the topic attribute set by the publisher, if any.
func sqsTopic(rec events.SQSMessage) string {
	attr, ok := rec.MessageAttributes[internalaws.TopicAttribute]
	if !ok || attr.StringValue == nil {
		return ""
	}
	return *attr.StringValue
}
