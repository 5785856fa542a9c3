package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/syncmcp/edge-agent/internal/cfgsync"
	"github.com/syncmcp/edge-agent/internal/collect"
	"github.com/syncmcp/edge-agent/internal/diag"
	"github.com/syncmcp/edge-agent/internal/scanloop"
	"github.com/syncmcp/edge-agent/internal/upload"
)

// start runs C9's initial sync, then launches the three scheduled cycles,
// the connectivity monitor, the reconnect-edge/upload-trigger plumbing, the
// optional retention cron hook, and the Local Control API — in the order
// §4.9 specifies. It returns a channel that receives the API server's
// terminal error, if any.
func (a *agentApp) start() <-chan error {
	ctx := context.Background()

	if res, err := a.syncAgent.PerformSync(ctx); err != nil {
		log.Printf("[supervisor] initial sync: %v", err)
	} else {
		a.recordSync(res, nil)
	}

	a.wg.Add(1)
	go a.runConnectivityLoop()

	a.wg.Add(1)
	go a.runCollectionLoop()

	a.wg.Add(1)
	go a.runUploadLoop()

	a.wg.Add(1)
	go a.runSyncLoop()

	a.wg.Add(1)
	go a.runReconnectEdgeListener()

	a.wg.Add(1)
	go a.runUploadTriggerListener()

	a.startRetention()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[supervisor] local control API listening on %s", a.cfg.ListenAddress)
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

func (a *agentApp) runConnectivityLoop() {
	defer a.wg.Done()
	scanloop.Run(a.stopCh, a.cfg.ConnectivityInterval, 0, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.connMon.Check(ctx)
	})
}

func (a *agentApp) runCollectionLoop() {
	defer a.wg.Done()
	scanloop.Run(a.stopCh, a.cfg.CollectionInterval, 0, func() {
		result, err := a.collectMgr.ExecuteCycle(context.Background())
		a.recordCollect(result, err)
	})
}

func (a *agentApp) runUploadLoop() {
	defer a.wg.Done()
	scanloop.Run(a.stopCh, a.cfg.UploadInterval, 0, func() {
		a.attemptUpload()
	})
}

func (a *agentApp) runSyncLoop() {
	defer a.wg.Done()
	scanloop.Run(a.stopCh, a.cfg.SyncInterval, 0, func() {
		result, err := a.syncAgent.PerformSync(context.Background())
		a.recordSync(result, err)
	})
}

// runReconnectEdgeListener schedules an immediate upload when the
// connectivity monitor reports a reconnect and enough readings are pending
// (§4.7 edge trigger).
func (a *agentApp) runReconnectEdgeListener() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.connMon.ReconnectEdge():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.uploadMgr.MaybeTriggerOnReconnect(ctx)
			cancel()
		}
	}
}

func (a *agentApp) runUploadTriggerListener() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.uploadMgr.TriggerChannel():
			a.attemptUpload()
		}
	}
}

func (a *agentApp) attemptUpload() {
	result, err := a.uploadMgr.PerformUpload(context.Background())
	a.recordUpload(result, err)
}

// startRetention wires the optional OUTBOX_RETENTION_SCHEDULE hook: an
// external-collaborator cleanup job named but not specified by §3.3/§9,
// implemented here only as a scheduled call into the outbox's own
// retention method.
func (a *agentApp) startRetention() {
	if a.cfg.OutboxRetentionSchedule == "" {
		return
	}
	a.retention = cron.New()
	_, err := a.retention.AddFunc(a.cfg.OutboxRetentionSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.repo.DeleteOlderThanDays(ctx, 90)
		if err != nil {
			log.Printf("[supervisor] retention: %v", err)
			return
		}
		log.Printf("[supervisor] retention: deleted %d rows older than 90 days", n)
	})
	if err != nil {
		log.Printf("[supervisor] retention schedule %q rejected: %v", a.cfg.OutboxRetentionSchedule, err)
		a.retention = nil
		return
	}
	a.retention.Start()
}

func (a *agentApp) recordCollect(result collect.CycleResult, err error) {
	a.statusTracker.SetCollect(diag.CycleSummary{
		LastRunAt: time.Now().UTC(),
		Running:   a.collectMgr.IsRunning(),
		Summary:   fmt.Sprintf("cycle=%s meters=%d/%d readings=%d deadline_exceeded=%t", result.CorrelationID, result.SuccessMeters, result.TotalMeters, result.ReadingsProduced, result.DeadlineExceeded),
		Err:       errString(err),
	})
}

func (a *agentApp) recordUpload(result upload.UploadResult, err error) {
	a.statusTracker.SetUpload(diag.CycleSummary{
		LastRunAt: time.Now().UTC(),
		Running:   a.uploadMgr.IsRunning(),
		Summary:   fmt.Sprintf("cycle=%s uploaded=%d failed=%d remaining=%d", result.CorrelationID, result.Uploaded, result.Failed, result.Remaining),
		Err:       errString(err),
	})
}

func (a *agentApp) recordSync(result cfgsync.SyncResult, err error) {
	a.statusTracker.SetSync(diag.CycleSummary{
		LastRunAt: time.Now().UTC(),
		Running:   a.syncAgent.IsRunning(),
		Summary:   fmt.Sprintf("cycle=%s success=%t", result.CorrelationID, result.Success),
		Err:       errString(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// shutdown stops the timers, stops the retention cron and the API server, and
// waits at most SHUTDOWN_GRACE for in-flight cycles to return. Cycles run on
// context.Background() and are not canceled; one still running when the grace
// period ends is left running while shutdown returns. It does not close the DB pool or BACnet sockets; the caller does that via
// closeStores after shutdown returns, mirroring the teacher's
// stop-sources-then-close-sinks ordering.
func (a *agentApp) shutdown() {
	log.Println("[supervisor] shutdown: stopping timers")
	close(a.stopCh)

	if a.retention != nil {
		stopCtx := a.retention.Stop()
		<-stopCtx.Done()
		log.Println("[supervisor] retention cron stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := a.apiServer.Shutdown(ctx); err != nil {
		log.Printf("[supervisor] API server shutdown error: %v", err)
	}
	log.Println("[supervisor] local control API stopped")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[supervisor] all cycles drained")
	case <-time.After(a.cfg.ShutdownGrace):
		log.Println("[supervisor] shutdown grace period exceeded, forcing return")
	}
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[supervisor] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		if err != nil {
			log.Printf("[supervisor] local control API stopped with error: %v", err)
		}
		return err
	}
}
