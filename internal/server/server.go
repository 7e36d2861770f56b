// Package server wires the SA service together and supervises it: startup in
// dependency order, periodic database dumps, the RDMA fatal error policy and
// graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/config"
	"github.com/yuuki/ibsa/internal/dispatch"
	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/rdma"
	"github.com/yuuki/ibsa/internal/rdma/verbs"
	"github.com/yuuki/ibsa/internal/registry"
	"github.com/yuuki/ibsa/internal/sa"
	"github.com/yuuki/ibsa/internal/sadb"
	"github.com/yuuki/ibsa/internal/state"
	"github.com/yuuki/ibsa/internal/subnet"
	"github.com/yuuki/ibsa/internal/telemetry"
	"github.com/yuuki/ibsa/internal/umad"
)

const (
	queueDepthPerWorker = 64
	shutdownTimeout     = 5 * time.Second
	mirrorMaxAge        = 15 * time.Minute
	vlArbBlocks         = 4
)

// ErrFatalRDMA is returned by Run when the exit policy met a fatal RDMA error
var ErrFatalRDMA = errors.New("terminating on fatal RDMA error")

// leaseTrim adapts SA.TrimLease to the loader's lease timer
type leaseTrim func(time.Duration)

func (f leaseTrim) Trim(d time.Duration) { f(d) }

// Server is the SA process
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.ServerConfig

	state    *state.ServiceState
	subnet   *subnet.Subnet
	disp     *dispatch.Dispatcher
	mads     *umad.Transport
	sa       *sa.SA
	metrics  *telemetry.Metrics
	mirror   *registry.SAMirror
	port     umad.PortAttr
	instance string

	lookupPort func(caName string, caPort int, portGUID uint64) (umad.PortAttr, error)
	openMADs   umad.Opener
	openRDMA   sa.RDMAOpener

	fatalExit chan error
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a server for cfg
func New(cfg *config.ServerConfig) (*Server, error) {
	initLogging(cfg.LogLevel)
	log.Debug().Msg("Creating new SA server instance")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:        ctx,
		cancel:     cancel,
		config:     cfg,
		state:      state.NewServiceState(),
		lookupPort: umad.LookupPort,
		openMADs:   umad.Open,
		fatalExit:  make(chan error, 1),
	}
	s.openRDMA = s.openVerbs
	return s, nil
}

func (s *Server) openVerbs(portGUID uint64) (sa.RDMA, error) {
	dev, err := verbs.OpenByPortGUID(portGUID, s.config.RDMACQDepth)
	if err != nil {
		return nil, err
	}
	tr, err := rdma.Open(dev, rdma.Config{
		PoolSize:          s.config.RDMAQPPoolSize,
		CompletionTimeout: s.config.RDMACompletionTimeout,
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Start brings the service up: local port lookup, subnet model, dispatcher,
// MAD transport, SA handlers, database restore and finally the port binding
func (s *Server) Start() error {
	log.Debug().Msg("Starting SA server")

	pa, err := s.lookupPort(s.config.CAName, s.config.CAPort, s.config.PortGUID)
	if err != nil {
		return fmt.Errorf("failed to find local port: %w", err)
	}
	s.port = pa
	s.instance = s.config.InstanceName
	if s.instance == "" {
		s.instance = fmt.Sprintf("0x%016x", pa.GUID)
	}
	log.Info().Str("ca", pa.CAName).Int("port", pa.PortNum).Str("port_guid", fmt.Sprintf("0x%016x", pa.GUID)).Uint16("lid", pa.BaseLID).Msg("Using local port")

	if s.config.MetricsEnabled {
		m, err := telemetry.NewMetrics(s.ctx, s.instance, s.config.OtelCollectorAddr, s.state)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			s.metrics = m
			log.Info().Str("collector_addr", s.config.OtelCollectorAddr).Msg("OpenTelemetry metrics initialized")
		}
	}

	if s.config.MirrorEnabled {
		m, err := registry.NewSAMirror(s.config.DatabaseURI)
		if err != nil {
			log.Warn().Err(err).Str("database_uri", s.config.DatabaseURI).Msg("Failed to initialize SA mirror, continuing without it")
		} else {
			s.mirror = m
		}
	}

	s.subnet = subnet.New(subnet.Options{
		FirstTimeMasterSweep: true,
		NoClientsRereg:       s.config.NoClientsRereg,
		SubnetPrefix:         pa.GIDPrefix,
	})
	s.subnet.Lock()
	err = s.subnet.AddPort(&subnet.Port{
		GUID:     pa.GUID,
		NodeGUID: pa.GUID,
		PortNum:  uint8(pa.PortNum),
		BaseLID:  pa.BaseLID,
		GUIDCap:  s.config.LocalGUIDCap,
	})
	s.subnet.Unlock()
	if err != nil {
		return fmt.Errorf("failed to add local port: %w", err)
	}

	s.disp = dispatch.New(s.config.Workers, s.config.Workers*queueDepthPerWorker)
	s.disp.Start(s.ctx)

	s.mads = umad.New(umad.Config{CAName: pa.CAName, CAPort: pa.PortNum}, s.openMADs, s.disp, s.subnet)

	var metrics sa.Metrics = sa.NopMetrics{}
	if s.metrics != nil {
		metrics = s.metrics
	}
	s.sa = sa.New(sa.Config{
		SegmentedDelivery:     s.config.SegmentedDelivery,
		RDMAEnabled:           s.config.RDMAEnabled,
		RDMACompletionTimeout: s.config.RDMACompletionTimeout,
		RDMARatePerSecond:     s.config.RDMARatePerSecond,
		LeaseCheckInterval:    s.config.LeaseCheckInterval,
	}, sa.Deps{
		Subnet:     s.subnet,
		State:      s.state,
		MADs:       s.mads,
		Dispatcher: s.disp,
		OpenRDMA:   s.openRDMA,
		Metrics:    metrics,
	})
	if err := s.sa.Init(); err != nil {
		return fmt.Errorf("failed to initialize SA: %w", err)
	}

	if err := s.restore(); err != nil {
		return err
	}

	if err := s.sa.Bind(pa.GUID); err != nil {
		return fmt.Errorf("failed to bind SA: %w", err)
	}
	s.queryLocalTables()

	s.wg.Add(1)
	go s.fatalHandler()
	if s.config.SADBDump {
		s.wg.Add(1)
		go s.dumper()
	}

	log.Info().Msg("SA server started successfully")
	return nil
}

// restore loads the database file on the first master sweep
func (s *Server) restore() error {
	res, err := sadb.LoadFile(s.ctx, s.config.SADBFile, s.subnet, s.state, leaseTrim(s.sa.TrimLease))
	if err != nil {
		return fmt.Errorf("failed to restore SA database: %w", err)
	}
	s.subnet.Lock()
	s.subnet.SetFirstTimeMasterSweep(false)
	s.subnet.Unlock()
	if res != nil && res.Rereg {
		log.Warn().Int("errors", len(res.Errors)).Msg("SA database restored with errors, clients will be asked to reregister")
	}
	return nil
}

// queryLocalTables asks the local port for its P_Key and VL arbitration
// tables; the answers are stored by the table handlers
func (s *Server) queryLocalTables() {
	lid := s.port.BaseLID
	if err := s.mads.QueryPortTable(lid, mad.AttrSMPPKeyTable, 0, 0); err != nil {
		log.Warn().Err(err).Uint16("lid", lid).Msg("Failed to query P_Key table")
	}
	for block := uint16(1); block <= vlArbBlocks; block++ {
		if err := s.mads.QueryPortTable(lid, mad.AttrSMPVLArbitration, 0, block); err != nil {
			log.Warn().Err(err).Uint16("lid", lid).Uint16("block", block).Msg("Failed to query VL arbitration table")
		}
	}
}

// fatalHandler applies the RDMA fatal policy
func (s *Server) fatalHandler() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ferr := <-s.sa.Fatal():
			s.handleFatal(ferr)
		}
	}
}

func (s *Server) handleFatal(ferr *rdma.FatalError) {
	if s.config.RDMAFatalPolicy == config.FatalPolicyExit {
		log.Error().Err(ferr).Msg("Fatal RDMA error, terminating")
		select {
		case s.fatalExit <- fmt.Errorf("%w: %w", ErrFatalRDMA, ferr):
		default:
		}
		return
	}
	log.Error().Err(ferr).Msg("Fatal RDMA error, continuing without RDMA")
	s.sa.DisableRDMA(ferr.Error())
}

// dumper writes the database every DumpInterval while it is dirty
func (s *Server) dumper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dump(s.ctx)
		}
	}
}

func (s *Server) dump(ctx context.Context) {
	start := time.Now()
	wrote, err := sadb.DumpFile(ctx, s.config.DumpDir, s.subnet, s.state)
	if err != nil {
		log.Error().Err(err).Str("dir", s.config.DumpDir).Msg("Failed to dump SA database")
	}
	if s.metrics != nil && (wrote || err != nil) {
		s.metrics.RecordDump(ctx, time.Since(start), err)
	}
	if !wrote {
		return
	}
	log.Debug().Dur("took", time.Since(start)).Msg("SA database dumped")

	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, s.instance, s.subnet); err != nil {
			log.Warn().Err(err).Msg("Failed to mirror SA database")
		}
	}
}

// ApplyConfig takes the settings that can change at runtime
func (s *Server) ApplyConfig(cfg *config.ServerConfig) {
	if cfg.LogLevel != s.config.LogLevel {
		setLogLevel(cfg.LogLevel)
		log.Info().Str("log_level", cfg.LogLevel).Msg("Log level changed")
		s.config.LogLevel = cfg.LogLevel
	}
}

// Stop shuts the service down in reverse start order and writes a final dump
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	log.Debug().Msg("Stopping SA server")
	s.state.SetExiting()

	if s.sa != nil {
		s.sa.Shutdown()
	}
	s.cancel()
	if s.disp != nil {
		s.disp.Close()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.config.SADBDump && s.subnet != nil {
		log.Debug().Msg("Writing final SA database dump")
		s.dump(ctx)
	}

	if s.mirror != nil {
		if err := s.mirror.CleanupStaleInstances(ctx, mirrorMaxAge); err != nil {
			log.Warn().Err(err).Msg("Failed to clean up SA mirror")
		}
		s.mirror.Close()
	}

	if s.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		if err := s.metrics.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}
	log.Info().Msg("SA server stopped")
}

// Run starts the server and blocks until a signal or a fatal RDMA error under
// the exit policy. A second signal forces an immediate exit.
func (s *Server) Run() error {
	log.Debug().Msg("Running SA server")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.Start(); err != nil {
		s.Stop()
		return err
	}

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
	case runErr = <-s.fatalExit:
	}

	go func() {
		<-sigCh
		log.Warn().Msg("Received second signal, forcing immediate exit...")
		os.Exit(1)
	}()

	s.Stop()
	if runErr == nil {
		log.Info().Msg("SA server shut down gracefully")
	}
	return runErr
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	setLogLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
