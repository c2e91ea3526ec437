package objspace

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/outofforest/objspace/config"
	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/logging"
	"github.com/outofforest/objspace/metrics"
	"github.com/outofforest/objspace/obj"
	"github.com/outofforest/objspace/pkg/memkernel"
	"github.com/outofforest/objspace/pmutex"
	"github.com/outofforest/objspace/types"
	"github.com/outofforest/objspace/view"
)

// Context is the execution context: the view with everything it needs to operate on objects.
type Context struct {
	kernel  kernel.Kernel
	log     *zap.Logger
	metrics *metrics.Metrics
	view    *view.View
}

// New creates new execution context on top of the kernel. If reg is nil, metrics are not registered.
func New(cfg config.Config, k kernel.Kernel, reg prometheus.Registerer) (*Context, error) {
	log, err := logging.New(cfg.Logging.LoggingConfig())
	if err != nil {
		return nil, err
	}
	return newContext(cfg, k, log, reg)
}

// NewInMemory creates execution context running on the in-memory kernel configured by cfg.Kernel.
func NewInMemory(cfg config.Config, reg prometheus.Registerer) (*Context, *memkernel.Kernel, error) {
	log, err := logging.New(cfg.Logging.LoggingConfig())
	if err != nil {
		return nil, nil, err
	}

	k, err := memkernel.New(memkernel.Config{
		Dir:        cfg.Kernel.Dir,
		MaxObjects: cfg.Kernel.MaxObjects,
		Logger:     log.Named("kernel"),
	})
	if err != nil {
		return nil, nil, err
	}

	c, err := newContext(cfg, k, log, reg)
	if err != nil {
		_ = k.Close()
		return nil, nil, err
	}
	return c, k, nil
}

func newContext(cfg config.Config, k kernel.Kernel, log *zap.Logger, reg prometheus.Registerer) (*Context, error) {
	m := metrics.New(reg)
	v, err := view.New(k, pmutex.NewSync(k, log.Named("mutex"), m), cfg.View, log.Named("view"), m)
	if err != nil {
		return nil, errors.WithMessage(err, "creating view failed")
	}

	log.Info("Execution context created", zap.Stringer("view", v.ID()),
		zap.Uint64("resetEpoch", k.ResetEpoch()))
	return &Context{
		kernel:  k,
		log:     log,
		metrics: m,
		view:    v,
	}, nil
}

// View returns the view of the context.
func (c *Context) View() *view.View {
	return c.view
}

// Kernel returns the kernel.
func (c *Context) Kernel() kernel.Kernel {
	return c.kernel
}

// Logger returns the logger.
func (c *Context) Logger() *zap.Logger {
	return c.log
}

// Metrics returns metrics of the context.
func (c *Context) Metrics() *metrics.Metrics {
	return c.metrics
}

// Open opens the object of untyped payload.
func (c *Context) Open(id types.ObjectID, prot types.Prot) (*obj.Generic, error) {
	o, err := obj.Open[struct{}](c.view, id, prot)
	if err != nil {
		return nil, err
	}
	return o.Generic, nil
}

// Close destroys the view. Objects tied to it are deleted.
func (c *Context) Close() error {
	err := c.view.Close()
	_ = c.log.Sync()
	return err
}
