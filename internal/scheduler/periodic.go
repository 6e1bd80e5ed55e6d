package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Periodic runs maintenance jobs on cron specs such as "@every 25s".
type Periodic struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
	log  *zerolog.Logger
}

// NewPeriodic creates a stopped job runner. Overlapping runs of the same job are skipped.
func NewPeriodic(logger *zerolog.Logger) *Periodic {
	cl := cronLogger{log: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Periodic{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:  ctx,
		stop: cancel,
		log:  logger,
	}
}

// Every registers fn under spec. fn receives a context cancelled on Stop.
func (p *Periodic) Every(spec, name string, fn func(ctx context.Context)) error {
	_, err := p.cron.AddFunc(spec, func() {
		p.log.Trace().Str("job", name).Msg("running periodic job")
		fn(p.ctx)
	})
	return err
}

// Start begins running jobs in the background.
func (p *Periodic) Start() {
	p.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx is done.
func (p *Periodic) Stop(ctx context.Context) {
	p.stop()
	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
