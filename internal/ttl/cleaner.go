package ttl

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"kvcache/internal/logs"
)

// Sweeper is the part of a cache the cleaner drives.
// Both cache backings satisfy it.
type Sweeper interface {
	Cleanup(ctx context.Context) (int, error)
}

// Cleaner periodically removes expired keys from a cache
type Cleaner struct {
	target   Sweeper
	interval time.Duration
	logger   *logs.Logger
	timeout  time.Duration
}

// NewCleaner creates a new instance of TTL Cleaner.
// Each sweep is bounded by the interval.
func NewCleaner(
	target Sweeper,
	interval time.Duration,
	logger *logs.Logger,
) *Cleaner {
	return &Cleaner{
		target:   target,
		interval: interval,
		logger:   logger,
		timeout:  interval,
	}
}

// every fires at a fixed delay from the previous activation. Unlike
// cron.Every it keeps sub-second intervals.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// Start runs the cleanup schedule until the context is cancelled.
// It blocks and should typically be run in a separate goroutine.
func (c *Cleaner) Start(ctx context.Context) {
	cl := cronLogger{c.logger}
	sched := cron.New(cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))
	sched.Schedule(every(c.interval), cron.FuncJob(func() {
		_, _ = c.runOnce(ctx)
	}))

	c.logger.Info("ttl cleaner started", logs.Duration("interval", c.interval))
	sched.Start()

	<-ctx.Done()
	<-sched.Stop().Done()
	c.logger.Debug("ttl cleaner stopped")
}

// runOnce performs a single cleanup cycle
func (c *Cleaner) runOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	sweepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	removed, err := c.target.Cleanup(sweepCtx)
	if err != nil {
		c.logger.Error("ttl cleanup failed", logs.Err(err))
		return 0, err
	}
	if removed > 0 {
		c.logger.Info("ttl cleaner removed expired keys",
			logs.Int("removed", removed),
			logs.Duration("took", time.Since(start)),
		)
	}
	return removed, nil
}

// cronLogger routes scheduler messages into the application logger.
type cronLogger struct{ l *logs.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(kvFields(keysAndValues), logs.Err(err))...)
}

func kvFields(kv []interface{}) []logs.Field {
	fields := make([]logs.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logs.Field{Key: key, Value: kv[i+1]})
	}
	return fields
}
