// Package async runs background tasks with panic recovery, a per-task timeout
// and logged errors.
//
// A Runner tracks the goroutines it starts so the owner can wait for in-flight
// work before shutting down:
//
//	runner := async.NewRunner(logger, 30*time.Second)
//	runner.Go(ctx, "admit indexer.opnet", func(ctx context.Context) error {
//		return admit(ctx, "indexer.opnet")
//	})
//	runner.Wait()
package async
