package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

var ErrSyncLocked = errors.New("Unable to acquire sync lock")

// SyncHandler runs passes of a Syncer, once or on an interval, and makes sure
// two passes never overlap in this process or across processes sharing LockFile.
type SyncHandler struct {
	syncer   *Syncer
	notifier Notifier
	interval time.Duration
	lock     *sync.Mutex
	fileLock *flock.Flock
}

func NewSyncHandler(syncer *Syncer, appConfig AppConfig, notifier Notifier) *SyncHandler {
	lockFile := appConfig.LockFile
	if lockFile == "" {
		lockFile = filepath.Join(os.TempDir(), fmt.Sprintf("%s.lock", appConfig.Log.ServiceName))
	}

	return &SyncHandler{
		syncer:   syncer,
		notifier: notifier,
		interval: time.Duration(appConfig.Interval) * time.Second,
		lock:     new(sync.Mutex),
		fileLock: flock.New(lockFile),
	}
}

// Sync runs a single pass and returns its report. The error is ErrSyncLocked
// when another pass holds the lock, or the joined errors of a failed pass.
func (h *SyncHandler) Sync(ctx context.Context) (*SyncReport, error) {
	if !h.lock.TryLock() {
		log.Warn("Another sync routine is already running. Skipping.")
		return nil, ErrSyncLocked
	}
	defer h.lock.Unlock()

	locked, lockErr := h.fileLock.TryLock()
	if lockErr != nil {
		return nil, fmt.Errorf("Error acquiring lock file %s: %w", h.fileLock.Path(), lockErr)
	}
	if !locked {
		log.Warn(fmt.Sprintf("Lock file %s is held by another process. Skipping.", h.fileLock.Path()))
		return nil, ErrSyncLocked
	}
	defer h.fileLock.Unlock()

	report := h.syncer.Run(ctx)
	log.Info(fmt.Sprintf("Sync complete for %s. Took %s", h.syncer.SyncFolder, report.Duration.String()))

	if h.notifier != nil {
		if notifyErr := h.notifier.NotifySyncResults(h.syncer, report); notifyErr != nil {
			log.Warn(fmt.Sprintf("Error sending sync notification: %s", notifyErr))
		}
	}

	return report, report.Err()
}

// Start runs one pass when no interval is configured. Otherwise it schedules
// a pass every interval, starting immediately, until ctx is cancelled.
func (h *SyncHandler) Start(ctx context.Context) error {
	if h.interval <= 0 {
		_, syncErr := h.Sync(ctx)
		return syncErr
	}

	scheduler := gocron.NewScheduler(time.Local)
	_, scheduleErr := scheduler.Every(h.interval).SingletonMode().Do(func() {
		if _, syncErr := h.Sync(ctx); syncErr != nil && !errors.Is(syncErr, ErrSyncLocked) {
			log.Error(fmt.Sprintf("Sync handler error: %s", syncErr))
		}
	})
	if scheduleErr != nil {
		return fmt.Errorf("Error scheduling sync: %w", scheduleErr)
	}

	log.Info(fmt.Sprintf("Syncing %s every %s", h.syncer.SyncFolder, h.interval))
	scheduler.StartAsync()
	<-ctx.Done()
	scheduler.Stop()
	return nil
}
