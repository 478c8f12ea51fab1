package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/lindamesh/internal/config"
	"github.com/adred-codev/lindamesh/internal/dispatch"
	"github.com/adred-codev/lindamesh/internal/logging"
	"github.com/adred-codev/lindamesh/internal/mesh"
	"github.com/adred-codev/lindamesh/internal/metrics"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrapLogger := logging.New("info", "console")

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("lindad: failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("lindad: starting")
	cfg.LogConfig(logger)

	mx := metrics.NewRegistry()
	go serveMetrics(cfg.MetricsAddr, mx, logger)

	guard := mesh.NewResourceGuard(cfg.CPURejectThreshold, logger)

	selfNode := int32(cfg.NodeID)
	if selfNode == 0 {
		selfNode = 1 // no bootstrap configured yet: this node founds the mesh
	}
	msh := mesh.New(selfNode, logger, guard)

	if cfg.Bootstrap != "" {
		joined, err := joinWithTimeout(msh, cfg.Bootstrap, cfg.JoinTimeout)
		if err != nil {
			logger.Fatal().Err(err).Str("bootstrap", cfg.Bootstrap).Msg("lindad: failed to join mesh")
		}
		selfNode = joined
		logger.Info().Int32("node_id", selfNode).Str("bootstrap", cfg.Bootstrap).Msg("lindad: joined mesh")
	} else {
		logger.Info().Int32("node_id", selfNode).Msg("lindad: founding new mesh")
	}

	d := dispatch.New(selfNode, logger, msh, cfg, mx, guard)
	d.AttachPeers() // the bootstrap link opened during Join needs a dispatch loop too

	kill := make(chan struct{}, 1)
	d.SetOnKill(func() {
		select {
		case kill <- struct{}{}:
		default:
		}
	})

	allow := allowSet(cfg.PeerAllowList())

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("lindad: failed to listen")
	}
	logger.Info().Str("addr", cfg.Addr).Msg("lindad: listening")

	shutdown := make(chan struct{})
	go acceptLoop(ln, d, allow, cfg.MaxConnections, logger, shutdown)

	stopAudit := make(chan struct{})
	go auditLoop(d, cfg.DeadlockScanInterval, stopAudit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("lindad: shutting down on signal")
	case <-kill:
		logger.Info().Msg("lindad: shutting down on kill_server")
	}
	close(shutdown)
	close(stopAudit)
	_ = ln.Close()
	logger.Info().Msg("lindad: shut down")
}

// acceptLoop polls Accept with a 1-second deadline so shutdown is
// responsive, per §5's accept-loop requirement, rather than blocking
// forever inside a single Accept call the close below cannot interrupt
// on every platform.
func acceptLoop(ln net.Listener, d *dispatch.Dispatcher, allow map[string]bool, maxConns int, logger zerolog.Logger, shutdown <-chan struct{}) {
	var sem chan struct{}
	if maxConns > 0 {
		sem = make(chan struct{}, maxConns)
	}
	tcpLn, isTCP := ln.(*net.TCPListener)
	for {
		select {
		case <-shutdown:
			return
		default:
		}
		if isTCP {
			_ = tcpLn.SetDeadline(time.Now().Add(1 * time.Second))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-shutdown:
				return
			default:
				logger.Warn().Err(err).Msg("lindad: accept failed")
				continue
			}
		}
		if len(allow) > 0 && !peerAllowed(conn, allow) {
			logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("lindad: rejecting connection, not in peer allow-list")
			conn.Close()
			continue
		}
		if sem != nil {
			select {
			case sem <- struct{}{}:
			default:
				logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("lindad: rejecting connection, at connection limit")
				conn.Close()
				continue
			}
		}
		go func(c net.Conn) {
			defer func() {
				if sem != nil {
					<-sem
				}
			}()
			d.Serve(c)
		}(conn)
	}
}

func peerAllowed(conn net.Conn, allow map[string]bool) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	return allow[host]
}

func allowSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]bool, len(list))
	for _, addr := range list {
		out[addr] = true
	}
	return out
}

// auditLoop runs the dispatcher's defensive re-scan on an interval,
// independent of the event-driven deadlock check every blocked rd/in
// already performs on registration.
func auditLoop(d *dispatch.Dispatcher, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.AuditSweep()
		case <-stop:
			return
		}
	}
}

func serveMetrics(addr string, mx *metrics.Registry, logger zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", mx.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Str("addr", addr).Msg("lindad: metrics server exited")
	}
}

// joinWithTimeout bounds the join handshake's dial+handshake round trip
// to cfg.JoinTimeout; mesh.Join itself sets no deadline on its dial or on
// the handshake reads that follow it, so the timeout is enforced here
// instead of threading a context through the mesh package.
func joinWithTimeout(msh *mesh.Mesh, bootstrap string, timeout time.Duration) (int32, error) {
	type result struct {
		node int32
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		node, err := msh.Join(bootstrap)
		ch <- result{node: node, err: err}
	}()
	if timeout <= 0 {
		r := <-ch
		return r.node, r.err
	}
	select {
	case r := <-ch:
		return r.node, r.err
	case <-time.After(timeout):
		return 0, os.ErrDeadlineExceeded
	}
}
