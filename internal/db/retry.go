package db

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func() error

// ShouldRetry decides whether a failed operation may be attempted again.
type ShouldRetry func(err error) bool

const DefaultMaxRetries = 3

// Try executes an operation, retrying transient driver errors up to DefaultMaxRetries times.
func Try(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, IsTransientError)
}

// WithRetries executes op up to maxRetries+1 times, retrying only while shouldRetry accepts the error.
func WithRetries(op Operation, maxRetries int, shouldRetry ShouldRetry) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == maxRetries || !shouldRetry(err) {
			break
		}
		time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
	}
	return err
}

// IsTransientError reports network and timeout failures, which are safe to retry for idempotent writes.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}

// IsMongoDuplicateKeyError checks if an error from MongoDB is a duplicate key error (code 11000).
func IsMongoDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var e mongo.WriteException
	if errors.As(err, &e) {
		for _, we := range e.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, writeError := range bwe.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	return mongo.IsDuplicateKeyError(err)
}
