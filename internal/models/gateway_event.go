package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// GatewayEventStatus is how far a received notification got.
type GatewayEventStatus string

const (
	GatewayEventReceived  GatewayEventStatus = "received"
	GatewayEventProcessed GatewayEventStatus = "processed"
	GatewayEventIgnored   GatewayEventStatus = "ignored"
	GatewayEventFailed    GatewayEventStatus = "failed"
)

// GatewayEvent records one payment gateway notification. (Provider, TransactionID, TransactionStatus)
// is unique, so a redelivered notification is stored once.
type GatewayEvent struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SchoolID          primitive.ObjectID `bson:"school_id,omitempty" json:"school_id,omitempty"`
	Provider          string             `bson:"provider" json:"provider"`
	OrderID           string             `bson:"order_id" json:"order_id"`
	TransactionID     string             `bson:"transaction_id" json:"transaction_id"`
	TransactionStatus string             `bson:"transaction_status" json:"transaction_status"`
	FraudStatus       string             `bson:"fraud_status,omitempty" json:"fraud_status,omitempty"`
	GrossAmount       int64              `bson:"gross_amount" json:"gross_amount"`
	Payload           map[string]any     `bson:"payload" json:"payload"`
	Status            GatewayEventStatus `bson:"status" json:"status"`
	Error             string             `bson:"error,omitempty" json:"error,omitempty"`
	ReceivedAt        time.Time          `bson:"received_at" json:"received_at"`
	ProcessedAt       *time.Time         `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}
