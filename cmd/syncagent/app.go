package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/http2"

	"github.com/syncmcp/edge-agent/internal/api"
	"github.com/syncmcp/edge-agent/internal/bacnet"
	"github.com/syncmcp/edge-agent/internal/batchsize"
	"github.com/syncmcp/edge-agent/internal/cache"
	"github.com/syncmcp/edge-agent/internal/cfgsync"
	"github.com/syncmcp/edge-agent/internal/collect"
	"github.com/syncmcp/edge-agent/internal/config"
	"github.com/syncmcp/edge-agent/internal/connmon"
	"github.com/syncmcp/edge-agent/internal/diag"
	"github.com/syncmcp/edge-agent/internal/outbox"
	"github.com/syncmcp/edge-agent/internal/store"
	"github.com/syncmcp/edge-agent/internal/upload"
)

// agentApp is the phased lifecycle owner for the whole process: it builds
// every component from §4 with explicit dependency injection (the
// "ad-hoc global singletons" redesign flag from spec §9), starts the
// Scheduler's three timers plus the Local Control API, and tears everything
// down in reverse order on shutdown. Grounded on cmd/resin/app_runtime.go's
// resinApp struct in the teacher.
type agentApp struct {
	cfg *config.EnvConfig

	repo       *store.Repo
	regCache   *cache.RegisterCache
	meterCache *cache.MeterCache

	bacnetClient *bacnet.UDPClient
	httpClient   *http.Client

	connMon    *connmon.Monitor
	collectMgr *collect.Manager
	outboxW    *outbox.Writer
	uploadMgr  *upload.Manager
	syncAgent  *cfgsync.Agent

	statusTracker *diag.StatusTracker
	errRing       *diag.RingBuffer

	apiServer *api.Server
	retention *cron.Cron

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// newAgentApp wires every component in the order the Supervisor requires:
// DB pool → caches loaded from DB → C2/C6/C7/C8/C9 → (C9's initial sync and
// the timers/API are started by the caller via start()).
func newAgentApp(cfg *config.EnvConfig) (*agentApp, error) {
	ctx := context.Background()

	repo, err := store.Bootstrap(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		return nil, err
	}

	regCache := cache.NewRegisterCache()
	meterCache := cache.NewMeterCache()
	if err := regCache.Reload(ctx, repo); err != nil {
		log.Printf("[supervisor] initial register cache load: %v", err)
	}
	if err := meterCache.Reload(ctx, repo, regCache); err != nil {
		log.Printf("[supervisor] initial meter cache load: %v", err)
	}

	bacnetClient, err := bacnet.NewUDPClient("", cfg.BACnetPoolSize, cfg.BACnetConnectTimeout)
	if err != nil {
		repo.Close()
		return nil, err
	}

	httpClient := newClientSystemHTTPClient()

	connMon := connmon.New(&connmon.HTTPProber{Client: httpClient, BaseURL: cfg.ClientAPIURL, APIKey: cfg.ClientAPIKey})

	errRing := diag.NewRingBuffer(100)
	statusTracker := diag.NewStatusTracker()

	outboxW := outbox.New(repo, cfg.InsertBatchSize)

	bsm := batchsize.New(batchsize.DefaultMinBatch, batchsize.DefaultReductionFactor, batchsize.DefaultGrowthWindow)
	collectMgr := collect.New(meterCache, bacnetClient, bsm, outboxW, errRing, collect.Config{
		MaxConcurrentMeters: cfg.MaxConcurrentMeters,
		ReadTimeout:         cfg.BACnetReadTimeout,
		ConnectTimeout:      cfg.BACnetConnectTimeout,
		CycleDeadline:       cfg.CycleDeadline,
		PendingHighWater:    cfg.PendingHighWater,
	})

	uploadMgr := upload.New(repo, connMon, httpClient, upload.Config{
		ClientAPIURL:   cfg.ClientAPIURL,
		ClientAPIKey:   cfg.ClientAPIKey,
		BatchSize:      cfg.UploadBatchSize,
		MaxRetries:     cfg.MaxRetries,
		Deadline:       cfg.UploadDeadline,
		EdgeTriggerMin: cfg.EdgeTriggerMinReadings,
	})

	syncAgent := cfgsync.New(repo, repo, httpClient, cfg.ClientAPIURL, cfg.ClientAPIKey, regCache, meterCache)

	apiServer := api.NewServer(api.Deps{
		ListenAddress:   cfg.ListenAddress,
		AdminToken:      cfg.AdminToken,
		MaxBodyBytes:    int64(cfg.APIMaxBodyBytes),
		Repo:            repo,
		Connectivity:    connMon,
		StatusTracker:   statusTracker,
		ErrorRing:       errRing,
		CollectTrigger:  collectMgr,
		UploadTrigger:   uploadMgr,
		SyncTrigger:     syncAgent,
	})

	return &agentApp{
		cfg:           cfg,
		repo:          repo,
		regCache:      regCache,
		meterCache:    meterCache,
		bacnetClient:  bacnetClient,
		httpClient:    httpClient,
		connMon:       connMon,
		collectMgr:    collectMgr,
		outboxW:       outboxW,
		uploadMgr:     uploadMgr,
		syncAgent:     syncAgent,
		statusTracker: statusTracker,
		errRing:       errRing,
		apiServer:     apiServer,
		stopCh:        make(chan struct{}),
	}, nil
}

// newClientSystemHTTPClient builds the shared client used by the
// Connectivity Monitor, Upload Manager, and Sync Agent against the remote
// Client System API, with HTTP/2 and connection-reuse tuning analogous to
// the teacher's outbound transport pool.
func newClientSystemHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Printf("[supervisor] http2 transport configuration: %v", err)
	}
	return &http.Client{Transport: transport}
}

// closeStores releases the DB pool and BACnet sockets. Safe to call once,
// after shutdown() has stopped every cycle that might still be using them.
func (a *agentApp) closeStores() {
	a.bacnetClient.Close()
	a.repo.Close()
}
