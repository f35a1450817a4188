// Package launcher starts the gateway's three long-running components,
// Storage Manager and Data Manager first so both are already waiting on
// the Shared Buffer before the Connection Manager begins accepting, and
// coordinates their shutdown through buffer closure.
package launcher

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sensorgateway/gateway/internal/config"
	"github.com/sensorgateway/gateway/internal/connmgr"
	"github.com/sensorgateway/gateway/internal/datamgr"
	"github.com/sensorgateway/gateway/internal/gatewaylog"
	"github.com/sensorgateway/gateway/internal/metrics"
	"github.com/sensorgateway/gateway/internal/sbuffer"
	"github.com/sensorgateway/gateway/internal/sensormap"
	"github.com/sensorgateway/gateway/internal/storagemgr"
)

// Gateway wires the Shared Buffer and its three consumers/producers
// together and runs them until the Connection Manager's quota is met.
type Gateway struct {
	cfg     config.Config
	log     *gatewaylog.Sink
	metrics *metrics.Registry
	buffer  *sbuffer.Buffer

	dataMgr    *datamgr.Manager
	storageMgr *storagemgr.Manager
	connMgr    *connmgr.Manager
}

// New loads the sensor map and opens the event log, then builds the
// three components over a shared, freshly created Shared Buffer.
func New(cfg config.Config) (*Gateway, error) {
	sensors, err := sensormap.Load(cfg.MapPath)
	if err != nil {
		return nil, err
	}

	log, err := gatewaylog.Open(cfg.LogPath, true)
	if err != nil {
		return nil, err
	}

	reg := metrics.New()
	buffer := sbuffer.New()

	storageMgr := storagemgr.New(buffer, cfg.CSVPath, log, reg)
	storageMgr.Verbose = cfg.Verbose

	dataMgr := datamgr.New(buffer, sensors, cfg.Thresholds, log, reg)

	connMgr := connmgr.New(connmgr.Config{
		Port:        cfg.Port,
		MaxConn:     cfg.MaxConn,
		IdleTimeout: cfg.IdleTimeout,
	}, buffer, log, reg)

	return &Gateway{
		cfg:        cfg,
		log:        log,
		metrics:    reg,
		buffer:     buffer,
		dataMgr:    dataMgr,
		storageMgr: storageMgr,
		connMgr:    connMgr,
	}, nil
}

// Run starts the Storage Manager and Data Manager so they are already
// waiting on the Shared Buffer before the Connection Manager begins
// accepting, then runs the Connection Manager to completion. Returning
// from the Connection Manager closes the Shared Buffer, which in turn
// lets the other two observe END and return. The metrics server has its
// own lifetime, independent of the pipeline's completion, and is
// stopped explicitly once the pipeline has drained.
func (g *Gateway) Run(ctx context.Context) error {
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()

	metricsDone := make(chan error, 1)
	if g.cfg.MetricsAddr != "" {
		go func() { metricsDone <- g.metrics.Serve(metricsCtx, g.cfg.MetricsAddr) }()
	} else {
		metricsDone <- nil
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return g.storageMgr.Run()
	})

	grp.Go(func() error {
		g.dataMgr.Run()
		return nil
	})

	// gctx is canceled by the caller's ctx or by a consumer failing (a
	// CSV path that can't be created, for instance); either way the
	// Connection Manager has to stop accepting rather than keep serving
	// a pipeline with no storage behind it.
	go func() {
		<-gctx.Done()
		g.connMgr.Stop()
	}()

	g.log.Event("Sensor gateway started on port %d (max_conn=%d)", g.cfg.Port, g.cfg.MaxConn)
	slog.Info("sensor gateway starting", "port", g.cfg.Port, "max_conn", g.cfg.MaxConn)

	connErr := g.connMgr.Run()

	// The Connection Manager closes the Shared Buffer on every exit path,
	// so both consumers observe END and the group drains even when Run
	// failed.
	grpErr := grp.Wait()

	stopMetrics()
	<-metricsDone

	if connErr != nil || grpErr != nil {
		g.log.Close()
		if connErr != nil {
			return connErr
		}
		return grpErr
	}

	g.buffer.Free()
	g.log.Event("Sensor gateway shutting down")
	slog.Info("sensor gateway stopped")
	g.log.Close()

	return nil
}
