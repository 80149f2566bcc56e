package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	service "github.com/okian/verdict/internal/app"
	"github.com/okian/verdict/internal/config"
	"github.com/okian/verdict/pkg/logger"
)

func init() {
	_ = logger.Init()
}

func TestMainComponents(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When configuration comes from the environment", func() {
			_ = os.Setenv("VERDICT_ADDR", ":8080")
			_ = os.Setenv("VERDICT_WORKER_COUNT", "4")
			defer func() {
				_ = os.Unsetenv("VERDICT_ADDR")
				_ = os.Unsetenv("VERDICT_WORKER_COUNT")
			}()

			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
			convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
		})

		convey.Convey("When the mux is built over a started service", func() {
			cfg := config.New()
			cfg.WorkerCount = 1
			svc := service.New(service.WithConfig(cfg))
			convey.So(svc.Start(context.Background()), convey.ShouldBeNil)
			defer svc.Stop()

			mux := newMux(context.Background(), svc)

			convey.Convey("Then docs, health and stats are routed", func() {
				for _, path := range []string{"/openapi.yaml", "/api-docs", "/healthz", "/stats"} {
					w := httptest.NewRecorder()
					mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
					convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
				}
			})
		})

		convey.Convey("When the metric updaters run", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			convey.So(func() {
				updateSystemMetrics()
				startSystemMetricsUpdater(ctx)
				startServiceMetricsUpdater(ctx, service.New())
			}, convey.ShouldNotPanic)
		})
	})
}
