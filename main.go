package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldrt/runtime/adminapi"
	"github.com/fieldrt/runtime/auth"
	"github.com/fieldrt/runtime/config"
	"github.com/fieldrt/runtime/cycler"
	"github.com/fieldrt/runtime/futurequeue"
	"github.com/fieldrt/runtime/hardware"
	"github.com/fieldrt/runtime/nodes"
	"github.com/fieldrt/runtime/pathstate"
	"github.com/fieldrt/runtime/store/postgres"
	"github.com/fieldrt/runtime/stream"
	"github.com/fieldrt/runtime/telemetry"
	"github.com/fieldrt/runtime/timestamp"
)

var version = "dev"

func main() {
	dbDSN := os.Getenv("DB_DSN")
	if dbDSN == "" {
		log.Fatal("DB_DSN environment variable is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	fmt.Printf("fieldrtd %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, dbDSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	adminUser := env("ADMIN_USERNAME", "admin")
	if adminPass := os.Getenv("ADMIN_PASSWORD"); adminPass != "" {
		if err := db.SeedAdminOperator(ctx, adminUser, adminPass); err != nil {
			log.Fatalf("seed admin operator: %v", err)
		}
		log.Printf("seeded admin operator: %s", adminUser)
	} else {
		log.Println("ADMIN_PASSWORD not set; skipping admin operator seeding")
	}

	cfg, err := config.Load(ctx, db)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfgData := cfg.Get()

	if ttl, err := time.ParseDuration(cfgData.Telemetry.SessionTTL); err == nil {
		auth.SetAccessTokenTTL(ttl)
	}
	go func() {
		for range cfg.Changed() {
			if ttl, err := time.ParseDuration(cfg.Get().Telemetry.SessionTTL); err == nil {
				auth.SetAccessTokenTTL(ttl)
			}
		}
	}()

	hw := hardware.NewStub()

	sup := cycler.NewSupervisor(ctx)

	visionPeriod, err := cyclerPeriod(cfgData, "vision")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	controlPeriod, err := cyclerPeriod(cfgData, "control")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	behaviorPeriod, err := cyclerPeriod(cfgData, "behavior")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	visionCycler := cycler.New("vision", cycler.Perception, nodes.VisionRegistry(), visionPeriod, cfg, sup)
	controlCycler := cycler.New("control", cycler.RealTime, nodes.ControlRegistry(), controlPeriod, cfg, sup)
	behaviorCycler := cycler.New("behavior", cycler.RealTime, nodes.BehaviorRegistry(), behaviorPeriod, cfg, sup)

	sup.Register(visionCycler)
	sup.Register(controlCycler)
	sup.Register(behaviorCycler)

	ballQueue := futurequeue.New[any]()
	controlCycler.RegisterPerceptionSource("vision", ballQueue)

	params := &runtimeRecord{config: cfg, cyclers: sup}

	var streamBackend *stream.Backend
	var streamDriver *stream.Driver
	if cfgData.Stream.StorageRoot != "" {
		mode := stream.ReadWrite
		if cfgData.Stream.OpenMode == "read_only" {
			mode = stream.ReadOnly
		}
		streamBackend, streamDriver, err = stream.Builder{
			Dir: cfgData.Stream.StorageRoot,
			Mode: mode,
			CacheSourceCapacity: cfgData.Stream.CacheCapacity,
			MaxSegmentBytes: cfgData.Stream.MaxSegmentBytes,
			WriterQueueCapacity: cfgData.Stream.WriterQueueCapacity,
		}.Build()
		if err != nil {
			log.Fatalf("stream backend: %v", err)
		}
		defer streamBackend.Close()
		go func() {
			if err := streamDriver.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("stream driver: %v", err)
			}
		}()
	} else {
		log.Println("stream.storage_root not set; recording backend disabled")
	}

	telemetrySrv := telemetry.NewServer(params, db, []byte(jwtSecret))
	go telemetrySrv.Run(ctx)

	// Additional (diagnostic) node outputs are only computed when a
	// telemetry client is actually subscribed to them; wire the live
	// subscription set in before the cycler starts ticking.
	controlCycler.SetSubscriptions(telemetrySrv.SubscribedPaths)

	// Drive the vision cycler from a placeholder ticker standing in for
	// a real camera frame arrival; a real driver would call RunOnce once
	// per frame instead of on a fixed clock.
	go runVisionDriver(ctx, cancel, hw, visionCycler, ballQueue, visionPeriod)

	if err := sup.Start(
		func(cyclerName string) any { return newDatabase(cyclerName) },
		func(cyclerName string, now timestamp.Timestamp, db any) {},
	); err != nil {
		log.Fatalf("cycler supervisor: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", adminapi.New(adminapi.Deps{
		Store: db,
		JWTSecret: []byte(jwtSecret),
		Supervisor: sup,
		Stream: streamBackend,
	}))
	mux.HandleFunc("/telemetry/ws", telemetrySrv.Connect)

	listenAddr := cfgData.Telemetry.ListenAddr
	if listenAddr == "" {
		listenAddr = ":7000"
	}
	httpSrv := &http.Server{
		Addr: listenAddr,
		Handler: mux,
		ReadTimeout: 15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.DeleteExpiredSessions(ctx); err != nil {
				log.Printf("delete expired sessions: %v", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on %s", listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	sup.Stop()
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := sup.Wait(); err != nil {
		log.Printf("cycler supervisor: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func cyclerPeriod(d config.Data, name string) (time.Duration, error) {
	c, ok := d.Cyclers[name]
	if !ok {
		return 0, fmt.Errorf("cycler %q: no period configured", name)
	}
	p, err := time.ParseDuration(c.Period)
	if err != nil {
		return 0, fmt.Errorf("cycler %q: invalid period %q: %w", name, c.Period, err)
	}
	return p, nil
}

func newDatabase(cyclerName string) any {
	switch cyclerName {
	case "vision":
		return &nodes.VisionDatabase{}
	case "control":
		return &nodes.ControlDatabase{}
	case "behavior":
		return &nodes.BehaviorDatabase{}
	default:
		return nil
	}
}

// runVisionDriver stands in for a real camera frame arrival loop. A
// node error here is fatal to the vision cycler exactly as it is for a
// RealTime cycler under Supervisor.Start's errgroup: log it and cancel
// the shared token so every other cycler unwinds too.
func runVisionDriver(ctx context.Context, cancel context.CancelFunc, hw hardware.Interface, c *cycler.Cycler, q *futurequeue.Queue[any], period time.Duration) {
	if period <= 0 {
		period = 33 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := hw.Now()
			q.Announce(now)
			db := &nodes.VisionDatabase{}
			err := c.RunOnce(ctx, now, db, func(ts timestamp.Timestamp, result any) {
				v := result.(*nodes.VisionDatabase)
				q.Finalize(ts, &v.Ball)
			})
			if err != nil {
				log.Printf("cycler vision: exited: %v", err)
				cancel()
				return
			}
		}
	}
}

// runtimeRecord composes the parameter document and every registered
// cycler's latest output into one path-addressed tree, so telemetry can
// serve reads/subscriptions over either without the caller caring which
// backs a given path. Writes only ever reach the
// parameter document: cycler outputs are produced by node Step, not by
// remote mutation.
type runtimeRecord struct {
	config *config.Global
	cyclers *cycler.Supervisor
}

func (r *runtimeRecord) SerializePath(path string) (json.RawMessage, error) {
	if v, err := r.config.SerializePath(path); !isNotExist(err) {
		return v, err
	}
	return r.cyclers.Root().SerializePath(path)
}

func (r *runtimeRecord) DeserializePath(path string, value json.RawMessage) error {
	return r.config.DeserializePath(path, value)
}

func (r *runtimeRecord) EnumerateFields() []string {
	out := append([]string{}, r.config.EnumerateFields()...)
	return append(out, r.cyclers.Root().EnumerateFields()...)
}

func (r *runtimeRecord) Current() pathstate.Record { return r }

func (r *runtimeRecord) Write(path string, value json.RawMessage) error {
	return r.DeserializePath(path, value)
}

func (r *runtimeRecord) Changed() <-chan struct{} { return r.config.Changed() }

func (r *runtimeRecord) Fields() []string { return r.EnumerateFields() }

func (r *runtimeRecord) LoadFromDisk() error {
	return fmt.Errorf("runtime parameter document is database-backed, not file-backed")
}

func (r *runtimeRecord) StoreToDisk() error {
	return fmt.Errorf("runtime parameter document is database-backed, not file-backed")
}

func isNotExist(err error) bool {
	pe, ok := err.(*pathstate.PathError)
	return ok && pe.Kind == pathstate.KindPathDoesNotExist
}
