package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

var defaultPollPolicy = PollPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     15 * time.Second,
	Timeout:         5 * time.Minute,
}

var errJobPending = errors.New("job still pending")

func (p PollPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = p.InitialInterval
	expBackOff.MaxInterval = p.MaxInterval
	expBackOff.MaxElapsedTime = p.Timeout
	expBackOff.Reset()
	return backoff.WithContext(expBackOff, ctx)
}

// pollJob calls check until it reports a terminal status. A check error stops
// polling immediately; running out of time returns an error wrapping errJobPending.
func pollJob(ctx context.Context, policy PollPolicy, jobID string, check func(context.Context) (JobStatus, error)) (JobStatus, error) {
	status := JobPending
	attempt := 0
	operation := func() error {
		attempt++
		current, checkErr := check(ctx)
		if checkErr != nil {
			return backoff.Permanent(checkErr)
		}
		status = current
		if !status.Terminal() {
			return errJobPending
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithField("job", jobID).Debug(fmt.Sprintf("Job poll %d: %s, next check in %s", attempt, err, wait))
	}

	pollErr := backoff.RetryNotify(operation, policy.backOff(ctx), notify)
	if pollErr != nil {
		if errors.Is(pollErr, errJobPending) {
			return status, fmt.Errorf("job %s not finished after %s: %w", jobID, policy.Timeout, pollErr)
		}
		return status, pollErr
	}

	return status, nil
}
