// Package reliability retries establishing the broker connection.
//
// Only the initial dial is retried. A connection or channel that is lost
// afterwards is never recovered; everything built on it has to be recreated.
//
//	policy := reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 5)
//	err := reliability.Retry(ctx, policy, func(ctx context.Context) error {
//	    return conn.Connect(ctx)
//	}, nil)
package reliability
