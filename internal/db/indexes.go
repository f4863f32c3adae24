package db

import (
	"context"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// indexSpecs lists the indexes each collection needs. billing_key and invoice_id keep generation
// at-most-once; the gateway event key dedupes webhook redelivery.
var indexSpecs = map[string][]mongo.IndexModel{
	InvoicesCollection: {
		{Keys: bson.D{{Key: "billing_key", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_billing_key")},
		{Keys: bson.D{{Key: "school_id", Value: 1}, {Key: "status", Value: 1}, {Key: "due_date", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "due_date", Value: 1}}},
		{Keys: bson.D{{Key: "contract_id", Value: 1}, {Key: "period", Value: 1}}},
		{Keys: bson.D{{Key: "agreement_id", Value: 1}, {Key: "installment", Value: 1}}},
		{Keys: bson.D{{Key: "charge.order_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	},
	StudentPaymentsCollection: {
		{Keys: bson.D{{Key: "school_id", Value: 1}, {Key: "student_id", Value: 1}}},
		{Keys: bson.D{{Key: "invoice_id", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true).SetName("uniq_invoice_payment")},
		{Keys: bson.D{{Key: "gateway_order_id", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "order_ids", Value: 1}}},
	},
	ContractsCollection: {
		{Keys: bson.D{{Key: "school_id", Value: 1}, {Key: "student_id", Value: 1}}},
		{Keys: bson.D{{Key: "lifecycle.is_active", Value: 1}}},
	},
	AgreementsCollection: {
		{Keys: bson.D{{Key: "school_id", Value: 1}, {Key: "student_id", Value: 1}}},
		{Keys: bson.D{{Key: "billing_type", Value: 1}, {Key: "lifecycle.is_active", Value: 1}}},
	},
	GatewayEventsCollection: {
		{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "transaction_id", Value: 1}, {Key: "transaction_status", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_gateway_event"),
		},
		{Keys: bson.D{{Key: "order_id", Value: 1}}},
	},
	SettingsCollection: {
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
	},
	EndpointLimitsCollection: {
		{Keys: bson.D{{Key: "endpoint", Value: 1}}, Options: options.Index().SetUnique(true)},
	},
	EmailTemplatesCollection: {
		{Keys: bson.D{{Key: "school_id", Value: 1}, {Key: "template_id", Value: 1}, {Key: "locale", Value: 1}}, Options: options.Index().SetUnique(true)},
	},
}

// EnsureIndexes creates every index the billing collections rely on. It is safe to call on each start.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	for coll, models := range indexSpecs {
		names, err := db.Collection(coll).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
		log.Printf("Ensured %d indexes on %s", len(names), coll)
	}
	return nil
}
