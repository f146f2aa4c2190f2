// ABOUTME: Request context helpers for the authenticated client credential and admin subject
// ABOUTME: Provides WithCredential/CredentialFromContext and WithAdmin/AdminFromContext

package auth

import (
	"context"

	"github.com/2389/aipim-gateway/internal/store"
)

// credentialKey is the key type for storing the client credential in context.Context.
type credentialKey struct{}

// adminKey is the key type for storing the admin subject in context.Context.
type adminKey struct{}

// WithCredential returns a new context carrying a copy of the authenticated credential.
func WithCredential(ctx context.Context, c store.Client) context.Context {
	c = c.Clone()
	return context.WithValue(ctx, credentialKey{}, &c)
}

// CredentialFromContext returns the credential stored by the authenticator.
func CredentialFromContext(ctx context.Context) (store.Client, bool) {
	c, ok := ctx.Value(credentialKey{}).(*store.Client)
	if !ok || c == nil {
		return store.Client{}, false
	}
	return c.Clone(), true
}

// ClientIDFromContext returns the authenticated client id, or "" if none.
func ClientIDFromContext(ctx context.Context) string {
	c, ok := ctx.Value(credentialKey{}).(*store.Client)
	if !ok || c == nil {
		return ""
	}
	return c.ClientID
}

// WithAdmin returns a new context carrying the verified admin token subject.
func WithAdmin(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, adminKey{}, subject)
}

// AdminFromContext returns the admin subject, or "" if the request is not an admin call.
func AdminFromContext(ctx context.Context) string {
	s, _ := ctx.Value(adminKey{}).(string)
	return s
}
