// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated request identity through contexts.
package auth

import (
	"context"
)

type contextKey string

const userIDKey contextKey = "user_id"

// SetUserID sets the authenticated user ID in the context.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the authenticated user ID from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}
