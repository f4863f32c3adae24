package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/models"
)

// terms are the pricing rules an invoice inherits from the contract or agreement it was issued for.
type terms struct {
	Tiers    []billing.Tier
	Interest *billing.InterestConfig
}

// loadTerms reads the current discount tiers and interest config of the invoice's source.
// Invoices without a source (or whose source is gone) are priced flat.
func loadTerms(ctx context.Context, database *mongo.Database, inv *models.Invoice) (terms, error) {
	switch {
	case inv.ContractID != nil:
		c, err := findOne[models.Contract](ctx, database.Collection(db.ContractsCollection),
			inSchool(inv.SchoolID, *inv.ContractID), "contract "+inv.ContractID.Hex())
		if err != nil {
			if errors.Is(err, billing.ErrNotFound) {
				return terms{}, nil
			}
			return terms{}, err
		}
		return terms{Tiers: models.Tiers(c.EarlyDiscounts), Interest: c.Interest()}, nil
	case inv.AgreementID != nil:
		a, err := findOne[models.Agreement](ctx, database.Collection(db.AgreementsCollection),
			inSchool(inv.SchoolID, *inv.AgreementID), "agreement "+inv.AgreementID.Hex())
		if err != nil {
			if errors.Is(err, billing.ErrNotFound) {
				return terms{}, nil
			}
			return terms{}, err
		}
		return terms{Tiers: models.Tiers(a.EarlyDiscounts), Interest: a.Interest()}, nil
	}
	return terms{}, nil
}

// priceInvoice runs the calculator for inv on day at, with an optional manual discount on top.
func priceInvoice(ctx context.Context, database *mongo.Database, inv *models.Invoice, at time.Time, discount *billing.Discount) (billing.Result, error) {
	t, err := loadTerms(ctx, database, inv)
	if err != nil {
		return billing.Result{}, err
	}
	return billing.Calculate(billing.Input{
		Amount:         inv.Amount,
		DueDate:        inv.DueDate,
		EvaluationDate: at,
		Tiers:          t.Tiers,
		Interest:       t.Interest,
		Discount:       discount,
	})
}

// ignorable reports whether a propagated transition failed only because the linked record already
// moved on (or does not exist), which is not an error for the caller.
func ignorable(err error) bool {
	return errors.Is(err, billing.ErrInvalidTransition) || errors.Is(err, billing.ErrNotFound)
}

// syncPayments applies event to every payment linked to an invoice.
func syncPayments(ctx context.Context, database *mongo.Database, schoolID, invoiceID primitive.ObjectID, event billing.Event, reason string, set bson.M, now time.Time) error {
	coll := database.Collection(db.StudentPaymentsCollection)
	linked, err := findMany[statusRef](ctx, coll, bson.M{"school_id": schoolID, "invoice_id": invoiceID})
	if err != nil {
		return err
	}
	for _, p := range linked {
		if _, _, err := transition(ctx, coll, inSchool(schoolID, p.ID), event, reason, set, now); err != nil {
			if ignorable(err) {
				log.Printf("Payment %s left as is on %s: %v", p.ID.Hex(), event, err)
				continue
			}
			return fmt.Errorf("failed to propagate %s to payment %s: %w", event, p.ID.Hex(), err)
		}
	}
	return nil
}

// syncInvoice applies event to the invoice a payment belongs to.
func syncInvoice(ctx context.Context, database *mongo.Database, schoolID, invoiceID primitive.ObjectID, event billing.Event, reason string, set bson.M, now time.Time) error {
	coll := database.Collection(db.InvoicesCollection)
	if _, _, err := transition(ctx, coll, inSchool(schoolID, invoiceID), event, reason, set, now); err != nil {
		if ignorable(err) {
			log.Printf("Invoice %s left as is on %s: %v", invoiceID.Hex(), event, err)
			return nil
		}
		return fmt.Errorf("failed to propagate %s to invoice %s: %w", event, invoiceID.Hex(), err)
	}
	return nil
}

type statusRef struct {
	ID     primitive.ObjectID `bson:"_id"`
	Status billing.Status     `bson:"status"`
}
