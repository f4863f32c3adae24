package models

// RateLimitConfig holds token bucket parameters.
type RateLimitConfig struct {
	BucketSize      int `bson:"bucket_size" json:"bucket_size" validate:"gte=1"`
	TokenRefillRate int `bson:"token_refill_rate" json:"token_refill_rate" validate:"gte=1"` // tokens per second
}

// EndpointLimit overrides the default rate limits of one route, identified by its gin full path
// (e.g. "/v1/webhooks/midtrans").
type EndpointLimit struct {
	Endpoint      string           `bson:"endpoint" json:"endpoint" validate:"required,startswith=/"`
	RateLimitSoft *RateLimitConfig `bson:"rate_limit_soft,omitempty" json:"rate_limit_soft,omitempty"`
	RateLimitHard *RateLimitConfig `bson:"rate_limit_hard,omitempty" json:"rate_limit_hard,omitempty"`
}

// Setting is one runtime override of a configuration default.
type Setting struct {
	Key    string `bson:"key" json:"key"`
	Value  any    `bson:"value" json:"value"`
	Public bool   `bson:"public" json:"public"`
}
