package auth

import "context"

type subjectKey struct{}

// WithSubject 将已校验的令牌主体放入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回请求携带的主体，未经认证时 ok 为 false。
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	if ctx == nil {
		return nil, false
	}
	subject, ok := ctx.Value(subjectKey{}).(*Subject)
	return subject, ok && subject != nil
}

// SubjectName 用于日志，未认证的请求记为 anonymous。
func SubjectName(ctx context.Context) string {
	if subject, ok := SubjectFromContext(ctx); ok && subject.Name != "" {
		return subject.Name
	}
	return "anonymous"
}
