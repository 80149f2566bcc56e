package config_test

import (
	"runtime"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/internal/config"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.QueueSize, convey.ShouldEqual, 10_000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU()*2)
			convey.So(cfg.StoreDriver, convey.ShouldEqual, config.DriverMemory)
			convey.So(cfg.AggregationPolicy, convey.ShouldEqual, "mean")
			convey.So(cfg.SchedulerInterval(), convey.ShouldEqual, time.Second)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Then brokers are split and trimmed", func() {
			cfg.KafkaBrokers = " a:9092, ,b:9092"
			convey.So(cfg.Brokers(), convey.ShouldResemble, []string{"a:9092", "b:9092"})
			cfg.KafkaBrokers = ""
			convey.So(cfg.Brokers(), convey.ShouldBeNil)
		})
	})
}
