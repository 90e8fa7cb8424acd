package obs

import "context"

type routeKey struct{}

// WithRoutePattern records the chi pattern that matched the request, for
// example "/email/pixel/{token}", so logs and metrics never see raw tokens.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routeKey{}, pattern)
}

// RoutePatternFromContext returns the pattern stored by WithRoutePattern or "".
func RoutePatternFromContext(ctx context.Context) string {
	pattern, _ := ctx.Value(routeKey{}).(string)
	return pattern
}
