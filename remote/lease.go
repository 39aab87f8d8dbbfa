package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	numLeaseRetries = 3
	leaseRetryWait  = 2 * time.Second
)

// AcquireLease acquires an exclusive lease on the resource, proposing a fresh
// random lease id and retrying while another holder's lease is still present.
// The returned token can be presented as AccessConditions.LeaseID.
func AcquireLease(ctx context.Context, store BlockStore, resource string, cond AccessConditions, logger log.Logger) (string, error) {
	var token string
	err := retry.Times(numLeaseRetries).Wait(leaseRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			logger.Debugf("Retrying lease acquisition on %s (attempt %d)", resource, attempt+1)
		}

		granted, err := store.AcquireLease(ctx, resource, uuid.NewString(), cond)
		if err != nil {
			if IsLeaseConflict(err) {
				return err, false
			}
			return err, true
		}

		token = granted
		return nil, true
	})
	if err != nil {
		return "", fmt.Errorf("acquire lease on %s: %w", resource, err)
	}
	return token, nil
}
