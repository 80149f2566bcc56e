package report

import "github.com/okian/verdict/pkg/logger"

// Option configures a Compiler.
type Option func(*Compiler)

// WithConcurrency bounds aggregation fan-out per compilation and
// compilations per CompileAll.
func WithConcurrency(n int) Option {
	return func(c *Compiler) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}
