package auth

import "context"

type subjectContextKey struct{}

// WithSubject attaches the authenticated subject to the request context.
// The subject is cloned so later handlers cannot mutate the service's copy.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectContextKey{}, subject.Clone())
}

// SubjectFromContext returns the subject stored by the auth middleware, or
// nil when the request went through with authentication disabled.
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectContextKey{}).(*Subject)
	return subject
}
