package model

import (
	"context"
	"fmt"
)

// Caller identifies who issued an API request or triggered a run. It is
// immutable after construction and safe for concurrent reads.
type Caller struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
}

// Validate checks that all mandatory fields are present.
func (c *Caller) Validate() error {
	if c.SubjectID == "" {
		return fmt.Errorf("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the caller holds the given role.
func (c *Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claim returns the value of the given claim key, or nil if not present.
func (c *Caller) Claim(key string) any {
	if c.Claims == nil {
		return nil
	}
	return c.Claims[key]
}

type contextKey struct{}

// WithCaller attaches a Caller to the given context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// CallerFrom extracts the Caller from the context, or returns nil if not
// present.
func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(contextKey{}).(*Caller)
	return c
}
