package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/verdict/internal/app"
	"github.com/okian/verdict/internal/config"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

const catalogTOML = `
[[admins]]
id = "root"
role = "SUPER_ADMIN"

[[admins]]
id = "ops"
role = "ADMIN"

[[competitions]]
id = "c1"
name = "Finals"
phase = "OPEN"

[[competitions]]
id = "c2"
name = "Heats"

[[rubrics]]
id = "r1"
competition_id = "c1"
name = "Main"

  [[rubrics.criteria]]
  id = "tech"
  name = "Technique"
  max_score = 10
  weight = 1

  [[rubrics.criteria]]
  id = "style"
  name = "Style"
  max_score = 10
  weight = 1
  labels = [{ label = "great", value = 9 }]

[[participants]]
id = "p1"
competition_id = "c1"
display_name = "Ada"

[[participants]]
id = "p2"
competition_id = "c1"
display_name = "Bo"

[[categories]]
id = "senior"
competition_id = "c1"
name = "Senior"

[[categories]]
id = "masters"
competition_id = "c1"
name = "Masters"
parent_id = "senior"

[[memberships]]
participant_id = "p2"
category_id = "masters"

[[judges]]
judge_id = "j1"
competition_id = "c1"
`

// testConfig writes the catalog to a temp dir and returns a config using it.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.toml")
	if err := os.WriteFile(path, []byte(catalogTOML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cfg := config.New()
	cfg.CatalogFile = path
	cfg.WorkerCount = 2
	cfg.QueueSize = 100
	cfg.SchedulerIntervalMS = 20
	return cfg
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it reports itself as not started", func() {
			So(svc, ShouldNotBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})
	})
}

func TestService_Start(t *testing.T) {
	Convey("Given a seeded service", t, func() {
		svc := service.New(service.WithConfig(testConfig(t)))
		defer svc.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)

		Convey("Then it should be marked as started", func() {
			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["storeDriver"], ShouldEqual, "memory")
			So(stats["totalFacts"], ShouldEqual, 0)
		})

		Convey("Then starting twice is a no-op", func() {
			So(svc.Start(ctx), ShouldBeNil)
		})

		Convey("Then seeded admins resolve with their role", func() {
			actor, err := svc.ResolveActor(ctx, "root")
			So(err, ShouldBeNil)
			So(actor.Role, ShouldEqual, model.RoleSuperAdmin)

			actor, err = svc.ResolveActor(ctx, "stranger")
			So(err, ShouldBeNil)
			So(actor.Role, ShouldEqual, model.Role(""))

			_, err = svc.ResolveActor(ctx, " ")
			So(errors.Is(err, model.ErrDenied), ShouldBeTrue)
		})

		Convey("Then seeded competitions default to draft", func() {
			c, err := svc.Competition(ctx, "c2")
			So(err, ShouldBeNil)
			So(c.Phase, ShouldEqual, model.PhaseDraft)
		})
	})

	Convey("Given an invalid configuration", t, func() {
		cfg := config.New()
		cfg.AggregationPolicy = "mode"
		svc := service.New(service.WithConfig(cfg))

		Convey("Then Start fails", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
	})

	Convey("Given a catalog with a category cycle", t, func() {
		raw := []byte(`
[[categories]]
id = "a"
competition_id = "c1"
parent_id = "a"
`)
		c, err := service.ParseCatalog(raw)
		So(err, ShouldBeNil)
		So(c.Categories, ShouldHaveLength, 1)

		path := filepath.Join(t.TempDir(), "catalog.toml")
		So(os.WriteFile(path, raw, 0o600), ShouldBeNil)
		cfg := config.New()
		cfg.CatalogFile = path
		svc := service.New(service.WithConfig(cfg))

		Convey("Then Start rejects it", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, model.ErrCycle), ShouldBeTrue)
		})
	})

	Convey("Given a malformed catalog", t, func() {
		_, err := service.ParseCatalog([]byte("[[admins]\nid="))
		So(errors.Is(err, model.ErrInvalidConfig), ShouldBeTrue)
	})
}
