package config_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/internal/config"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.DedupeSize, convey.ShouldEqual, 100_000)
				convey.So(cfg.StoreDriver, convey.ShouldEqual, "memory")
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("VERDICT_ADDR", ":8080")
			_ = os.Setenv("VERDICT_QUEUE_SIZE", "500")
			_ = os.Setenv("VERDICT_AGGREGATION_POLICY", "median")
			_ = os.Setenv("VERDICT_KAFKA_BROKERS", "k1:9092,k2:9092")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 500)
				convey.So(cfg.AggregationPolicy, convey.ShouldEqual, "median")
				convey.So(cfg.Brokers(), convey.ShouldResemble, []string{"k1:9092", "k2:9092"})
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			tmpFile := createTempConfigFile(`
# service
addr: ":9090"
queue_size: 300
store_driver: sqlite
store_dsn: "file:verdict.db"
rules_file: rules.toml
`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("VERDICT_CONFIG", tmpFile)
			_ = os.Setenv("VERDICT_ADDR", ":8080")

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 300)
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.DriverSQLite)
				convey.So(cfg.StoreDSN, convey.ShouldEqual, "file:verdict.db")
				convey.So(cfg.RulesFile, convey.ShouldEqual, "rules.toml")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, config.New().WorkerCount)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("VERDICT_CONFIG", "/nonexistent/verdict.yaml")

			_, err := config.Load(ctx)

			convey.Convey("Then it should return a not-found load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(errors.Is(err, config.ErrConfigNotFound), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile("addr: [unclosed")
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("VERDICT_CONFIG", tmpFile)

			_, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("VERDICT_WORKER_COUNT", "many")

			_, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When values break constraints", func() {
			for key, value := range map[string]string{
				"VERDICT_WORKER_COUNT":       "0",
				"VERDICT_QUEUE_SIZE":         "0",
				"VERDICT_AGGREGATION_POLICY": "mode",
				"VERDICT_STORE_DRIVER":       "mongo",
				"VERDICT_LOG_LEVEL":          "loud",
			} {
				clearConfigEnvVars()
				_ = os.Setenv(key, value)
				_, err := config.Load(ctx)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			}
		})

		convey.Convey("When a SQL driver has no DSN", func() {
			_ = os.Setenv("VERDICT_STORE_DRIVER", "postgres")

			_, err := config.Load(ctx)

			convey.Convey("Then validation fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

// Helper functions.

func clearConfigEnvVars() {
	envVars := []string{
		"VERDICT_CONFIG",
		"VERDICT_ADDR",
		"VERDICT_QUEUE_SIZE",
		"VERDICT_WORKER_COUNT",
		"VERDICT_AGGREGATION_POLICY",
		"VERDICT_KAFKA_BROKERS",
		"VERDICT_STORE_DRIVER",
		"VERDICT_LOG_LEVEL",
	}
	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "verdict-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
