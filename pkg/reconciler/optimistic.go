package reconciler

import (
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// maxUpdateRetries bounds the optimistic-concurrency retry loop (§4.5): the
// caller refetches current generation and retries on conflict.
const maxUpdateRetries = 5

// retryOnConflict runs fn, which is expected to Get the current object,
// apply a transform, and attempt the write itself, retrying only on a 409
// Conflict (stale resourceVersion). fn runs at most maxUpdateRetries times
// in all, with a short linear backoff after each conflict.
func retryOnConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err = fn()
		if err == nil || !apierrors.IsConflict(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}
