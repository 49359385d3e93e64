// Package resource paces the background work of every index hosted by one
// worker.
//
//   - Background slots: a weighted semaphore bounds how many optimizers seal
//     or merge segments at the same time.
//   - IO budget: a token bucket limits the bytes per second those jobs write,
//     so foreground inserts and searches keep their disk bandwidth.
//   - Memory: decoded sealed segments are accounted (not limited) so the
//     worker can report what its caches hold.
//
// All methods accept a nil *Controller and then do nothing.
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundWorkers: 2,
//	    IOLimitBytesPerSec:   64 << 20,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
//	w := rc.Writer(ctx, file)
package resource
