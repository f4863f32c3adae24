package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Base carries the identity, tenant and timestamps every billing document shares.
type Base struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	SchoolID  primitive.ObjectID `bson:"school_id" json:"school_id"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// GenIDIfEmpty assigns a fresh ID when none is set.
func (m *Base) GenIDIfEmpty() {
	if m.ID.IsZero() {
		m.ID = primitive.NewObjectID()
	}
}

// Touch stamps UpdatedAt (and CreatedAt on first save).
func (m *Base) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// Lifecycle is the soft-delete state of an entity. Documents are never removed; they are deactivated.
type Lifecycle struct {
	IsActive  bool       `bson:"is_active" json:"is_active"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

// ActiveLifecycle is the state of a newly created entity.
func ActiveLifecycle() Lifecycle {
	return Lifecycle{IsActive: true}
}

// Deactivate marks the entity deleted at now.
func (l *Lifecycle) Deactivate(now time.Time) {
	l.IsActive = false
	l.DeletedAt = &now
}

// Person is the payer contact used for notices and gateway customer details.
type Person struct {
	Name  string `bson:"name" json:"name" validate:"required,max=200"`
	Email string `bson:"email" json:"email" validate:"required,email"`
	Phone string `bson:"phone,omitempty" json:"phone,omitempty" validate:"omitempty,max=32"`
}
