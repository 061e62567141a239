package auth

import (
	"context"

	"ARC-Router/pkg/logger"
)

type subjectKey struct{}

// WithSubject 记录已认证的调用方，同时把调用方名称加入日志上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	ctx = logger.With(ctx, "subject", subject.Name)
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom 返回请求的调用方。未启用认证或路径公开时 ok 为 false。
func SubjectFrom(ctx context.Context) (subject *Subject, ok bool) {
	if ctx != nil {
		subject, ok = ctx.Value(subjectKey{}).(*Subject)
	}
	return subject, ok && subject != nil
}
