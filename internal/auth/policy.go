package auth

import "context"

// Policy answers permission questions from the principal in the context.
// It satisfies category.Authorizer and recommend.Authenticator.
type Policy struct{}

// CanManage reports whether the caller is an admin.
func (Policy) CanManage(ctx context.Context) bool {
	p, ok := FromContext(ctx)
	return ok && p.IsAdmin()
}

// IsAuthenticated reports whether the caller has a session.
func (Policy) IsAuthenticated(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}
