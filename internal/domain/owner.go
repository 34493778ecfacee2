package domain

import "context"

type ownerKey struct{}

// WithOwner returns a context scoped to the given account owner. Ledger
// operations running under it refuse to touch accounts of other owners.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner the context is scoped to, or "".
func OwnerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ownerKey{}).(string)
	return v
}
