package retry

import "context"

// DoValue runs op through e and returns its result once an attempt succeeds.
func DoValue[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		out = v
		return nil
	})
	return out, err
}
