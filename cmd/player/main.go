package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"story-playback/internal/feedapi"
	"story-playback/internal/media"
	"story-playback/internal/platform/config"
	"story-playback/internal/platform/logger"
	"story-playback/internal/platform/metrics"
	"story-playback/internal/playback"
	"story-playback/internal/player"
	"story-playback/internal/push"
	"story-playback/internal/stories"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	feedURL := config.GetEnv("FEED_API_URL", "")
	pushURL := config.GetEnv("PUSH_URL", "")
	token := config.GetEnv("AUTH_TOKEN", "")
	httpTimeout := config.GetEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	self := stories.Owner{
		UserID:    stories.UserID(config.GetEnv("VIEWER_USER_ID", "")),
		Username:  config.GetEnv("VIEWER_USERNAME", ""),
		AvatarRef: config.GetEnv("VIEWER_AVATAR", ""),
	}
	engineCfg := playback.Config{
		ImageDuration:  config.GetEnvDuration("IMAGE_DURATION", playback.DefaultImageDuration),
		LoadTimeout:    config.GetEnvDuration("MEDIA_LOAD_TIMEOUT", playback.DefaultLoadTimeout),
		FrameInterval:  config.GetEnvDuration("FRAME_INTERVAL", playback.DefaultFrameInterval),
		TapMaxDuration: config.GetEnvDuration("TAP_MAX_DURATION", playback.DefaultTapMaxDuration),
		SwipeThreshold: config.GetEnvFloat("SWIPE_THRESHOLD_PX", playback.DefaultSwipeThreshold),
		SurfaceWidth:   config.GetEnvFloat("SURFACE_WIDTH_PX", playback.DefaultSurfaceWidth),
		RequestTimeout: config.GetEnvDuration("REQUEST_TIMEOUT", playback.DefaultRequestTimeout),
	}

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	if feedURL == "" || self.UserID == "" {
		log.Error("FEED_API_URL and VIEWER_USER_ID are required")
		os.Exit(1)
	}

	api, err := feedapi.New(feedapi.Config{
		BaseURL:               feedURL,
		Token:                 token,
		Timeout:               httpTimeout,
		ViewReceiptsPerSecond: config.GetEnvFloat("VIEW_RECEIPTS_PER_SECOND", 5),
	}, log)
	if err != nil {
		log.Error("feed api config", "error", err)
		os.Exit(1)
	}

	repo := stories.NewInMemoryRepository()
	loop := playback.NewLoop()
	sched := playback.NewClockScheduler(clockwork.NewRealClock(), engineCfg.FrameInterval, func(fn func()) { loop.Post(fn) })

	// The prefetcher reports into the service, which is built around it.
	var svc *player.Service
	prefetcher, err := media.New(media.Config{
		CacheEntries: config.GetEnvInt("MEDIA_CACHE_ENTRIES", 32),
		Workers:      config.GetEnvInt("MEDIA_WORKERS", 2),
		FetchTimeout: httpTimeout,
		Token:        token,
	}, func(ev playback.MediaEvent) { svc.DeliverMedia(ev) }, log, met)
	if err != nil {
		log.Error("media prefetcher", "error", err)
		os.Exit(1)
	}

	svc = player.NewService(loop, playback.Options{
		Config:     engineCfg,
		Scheduler:  sched,
		Repository: repo,
		Media:      prefetcher,
		Backend:    api,
		Self:       self,
		Logger:     log,
		Metrics:    met,
	}, api, prefetcher)
	h := player.NewHandler(svc, prefetcher, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetUnseenGroups(repo.UnseenGroupCount()) }).ServeHTTP(w, r)
	})
	h.Register(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// A failed initial fetch leaves an empty feed; push events and
		// POST /feed/refresh can still fill it.
		_ = svc.Refresh(gctx)
		return nil
	})
	if pushURL != "" {
		pc := push.New(push.Config{URL: pushURL, Token: token}, log, met)
		g.Go(func() error {
			return pc.Run(gctx, func(ev stories.Event) {
				_ = svc.ApplyEvent(gctx, ev)
			})
		})
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		prefetcher.Close()
		return err
	})

	log.Info("server starting",
		"port", port,
		"viewer", string(self.UserID),
		"push_enabled", pushURL != "",
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
