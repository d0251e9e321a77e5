package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"portalskies.ai/internal/logging"
	"portalskies.ai/internal/persistence/indexdb"
	persistlog "portalskies.ai/internal/persistence/log"
	"portalskies.ai/internal/persistence/snapshot"
	"portalskies.ai/internal/protocol"
	"portalskies.ai/internal/sim/gateway"
	"portalskies.ai/internal/sim/routing"
	"portalskies.ai/internal/sim/tuning"
	"portalskies.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		routesPath = flag.String("routes", "", "path to routes.yaml (default: <configs>/routes.yaml)")
		tickRateHz = flag.Int("tick_hz", 20, "host ticks per second")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite transit index")
		logLevel   = flag.String("log_level", "info", "log level (debug, info, warn, error)")
		logConsole = flag.Bool("log_console", false, "human-readable log output")
		freshWorld = flag.Bool("fresh", false, "ignore any saved world snapshot and rebuild the demo world")
	)
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: *logLevel, Console: *logConsole})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	logger = logger.With().Str("component", "server").Logger()

	tune, err := tuning.Load(configPath(*tuningPath, *configDir, "tuning.yaml"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load tuning")
	}
	routes, err := routing.Load(configPath(*routesPath, *configDir, "routes.yaml"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load routes")
	}

	snapPath := filepath.Join(*dataDir, "snapshots", "world.snap.zst")
	w, restored, err := loadWorld(snapPath, routes, *freshWorld)
	if err != nil {
		logger.Fatal().Err(err).Msg("demo world")
	}
	logger.Info().Bool("restored", restored).Str("snapshot", snapPath).Msg("world ready")

	// Optional: read-model index (does not affect migration behaviour).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "transits.sqlite"))
		if err != nil {
			logger.Fatal().Err(err).Msg("open index")
		}
		defer idx.Close()
		if err := idx.UpsertConfig(tune, routes); err != nil {
			logger.Warn().Err(err).Msg("index: upsert config")
		}
	}

	transitLog := persistlog.NewTransitLogger(*dataDir)
	defer transitLog.Close()

	obsSrv := observer.NewServer(logging.Component(logger, "observer"))

	sinks := []gateway.Sink{
		logging.Broadcaster{Log: logging.Component(logger, "transit"), Messenger: w, Enabled: tune.BroadcastStatus},
		transitLog,
		obsSrv,
	}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	engine, err := gateway.New(gateway.Options{
		Host:   w,
		Tuning: tune,
		Routes: routes,
		Log:    logging.Component(logger, "gateway"),
		Sinks:  sinks,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway")
	}

	statePath := filepath.Join(*dataDir, "gateway", "state.json")
	st, err := gateway.LoadState(statePath)
	if err != nil {
		logger.Warn().Err(err).Str("path", statePath).Msg("state not restored; starting fresh")
		st = gateway.NewState()
	}

	ctx, cancel := signalContext()
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runTicks(ctx, *tickRateHz, func() {
			mu.Lock()
			defer mu.Unlock()
			w.Step()
			engine.Tick(ctx, st)
		})
		mu.Lock()
		defer mu.Unlock()
		if err := st.Save(statePath); err != nil {
			logger.Error().Err(err).Msg("save state")
		}
		if err := snapshot.WriteSnapshot(snapPath, w.Snapshot(st.Tick)); err != nil {
			logger.Error().Err(err).Msg("save world snapshot")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		status := engine.Status(st)
		metrics := st.Metrics()
		mu.Unlock()
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, status, metrics, idx, obsSrv)
	})

	if envBool("PS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			mu.Lock()
			resp := struct {
				Status  protocol.StatusMsg `json:"status"`
				Metrics []gateway.Metric   `json:"metrics"`
				Worlds  map[string]string  `json:"worlds"`
			}{
				Status:  engine.Status(st),
				Metrics: st.Metrics(),
				Worlds:  map[string]string{},
			}
			for _, p := range routes.Partitions {
				resp.Worlds[p.ID] = w.Summary(partitionID(p.ID))
			}
			mu.Unlock()
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
		if idx != nil {
			mux.HandleFunc("/admin/v1/transits", obsSrv.TransitsHandler(idx))
		}
	} else {
		logger.Info().Msg("admin endpoints disabled (PS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("PS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", *addr).Int("tick_hz", *tickRateHz).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("ListenAndServe")
		cancel()
	}
	wg.Wait()
	if err := transitLog.Err(); err != nil {
		logger.Warn().Err(err).Msg("transit log had write errors")
	}
}

// runTicks calls step at hz until ctx is done.
func runTicks(ctx context.Context, hz int, step func()) {
	if hz <= 0 {
		hz = 20
	}
	t := time.NewTicker(time.Second / time.Duration(hz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			step()
		}
	}
}

func configPath(flagValue, dir, name string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func writeMetrics(rw http.ResponseWriter, st protocol.StatusMsg, metrics []gateway.Metric, idx *indexdb.SQLiteIndex, obs *observer.Server) {
	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP portalskies_tick Current host tick.\n")
	fmt.Fprintf(rw, "# TYPE portalskies_tick gauge\n")
	fmt.Fprintf(rw, "portalskies_tick %d\n", st.Tick)
	fmt.Fprintf(rw, "# HELP portalskies_cooldowns Bodies currently cooling down.\n")
	fmt.Fprintf(rw, "# TYPE portalskies_cooldowns gauge\n")
	fmt.Fprintf(rw, "portalskies_cooldowns %d\n", st.Cooldowns)
	fmt.Fprintf(rw, "# HELP portalskies_cached_locations Cached target aperture locations.\n")
	fmt.Fprintf(rw, "# TYPE portalskies_cached_locations gauge\n")
	fmt.Fprintf(rw, "portalskies_cached_locations %d\n", st.CachedLocations)
	fmt.Fprintf(rw, "# HELP portalskies_transit_total Transit attempts by route and result.\n")
	fmt.Fprintf(rw, "# TYPE portalskies_transit_total counter\n")
	for _, m := range metrics {
		fmt.Fprintf(rw, "portalskies_transit_total{from=%q,to=%q,result=%q} %d\n", m.From, m.To, m.Result, m.Count)
	}
	if obs != nil {
		fmt.Fprintf(rw, "# HELP portalskies_observers Connected observers.\n")
		fmt.Fprintf(rw, "# TYPE portalskies_observers gauge\n")
		fmt.Fprintf(rw, "portalskies_observers %d\n", obs.Subscribers())
		fmt.Fprintf(rw, "# HELP portalskies_observer_dropped_total Messages dropped for slow observers.\n")
		fmt.Fprintf(rw, "# TYPE portalskies_observer_dropped_total counter\n")
		fmt.Fprintf(rw, "portalskies_observer_dropped_total %d\n", obs.Dropped())
	}
	if idx != nil {
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP portalskies_index_queue_depth Transit index queue depth.\n")
		fmt.Fprintf(rw, "# TYPE portalskies_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "portalskies_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP portalskies_index_dropped_total Transit events dropped by the index.\n")
		fmt.Fprintf(rw, "# TYPE portalskies_index_dropped_total counter\n")
		fmt.Fprintf(rw, "portalskies_index_dropped_total %d\n", s.DropTransitTotal)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
