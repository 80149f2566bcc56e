package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/verdict/pkg/retry"
)

var errTransient = errors.New("transient")

func TestDo(t *testing.T) {
	Convey("Given a retry policy", t, func() {
		ctx := context.Background()
		p := retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

		Convey("A flaky operation eventually succeeds", func() {
			calls := 0
			err := retry.Do(ctx, p, func(context.Context) error {
				calls++
				if calls < 3 {
					return errTransient
				}
				return nil
			})
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 3)
		})

		Convey("Exhausted retries wrap the last error", func() {
			calls := 0
			err := retry.Do(ctx, p, func(context.Context) error {
				calls++
				return errTransient
			})
			So(errors.Is(err, errTransient), ShouldBeTrue)
			So(calls, ShouldEqual, 4)
		})

		Convey("Non-retryable errors stop immediately", func() {
			p.Retryable = func(err error) bool { return errors.Is(err, errTransient) }
			calls := 0
			fatal := errors.New("fatal")
			err := retry.Do(ctx, p, func(context.Context) error {
				calls++
				return fatal
			})
			So(errors.Is(err, fatal), ShouldBeTrue)
			So(calls, ShouldEqual, 1)
		})
	})

	Convey("Delays grow and are capped", t, func() {
		p := retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
		first := p.Delay(0)
		So(first, ShouldBeGreaterThanOrEqualTo, 7*time.Millisecond)
		So(first, ShouldBeLessThanOrEqualTo, 13*time.Millisecond)
		So(p.Delay(10), ShouldEqual, 50*time.Millisecond)
	})
}
