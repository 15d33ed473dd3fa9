package telegraph

import (
	"context"
	"fmt"

	"github.com/zulandar/roundhouse/internal/orchestrator"
	"go.uber.org/zap"
)

// Daemon is the chat front-end process. It connects to a chat platform via
// an Adapter, pumps inbound messages through a Router, and posts subtask
// results back into their conversations.
type Daemon struct {
	adapter Adapter
	router  *Router
	logger  *zap.Logger
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter       Adapter
	Handler       Handler
	CommandPrefix string
	Logger        *zap.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := NewRouter(RouterOpts{
		Handler:       opts.Handler,
		Adapter:       opts.Adapter,
		CommandPrefix: opts.CommandPrefix,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return &Daemon{
		adapter: opts.Adapter,
		router:  router,
		logger:  logger,
	}, nil
}

// DeliverSubtask posts a finished subtask. Register it with
// Orchestrator.OnSubtaskDone.
func (d *Daemon) DeliverSubtask(st orchestrator.Subtask) {
	d.router.DeliverSubtask(st)
}

// Run connects the adapter and routes inbound messages until ctx is
// cancelled or the adapter closes its inbound channel. In-flight turns are
// drained before the adapter is closed.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("telegraph connecting")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	d.logger.Info("telegraph online")
	if err := d.adapter.Send(ctx, OutboundMessage{Text: "Roundhouse online"}); err != nil {
		d.logger.Warn("send online message", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("telegraph shutting down")
			d.router.Wait()
			d.sendShutdown()
			if err := d.adapter.Close(); err != nil {
				d.logger.Warn("close adapter", zap.Error(err))
			}
			d.logger.Info("telegraph stopped")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("telegraph inbound channel closed")
				d.router.Wait()
				return nil
			}
			d.router.Handle(ctx, msg)
		}
	}
}

// sendShutdown posts a shutdown message to the adapter (best-effort).
func (d *Daemon) sendShutdown() {
	if err := d.adapter.Send(context.Background(), OutboundMessage{
		Text: "Roundhouse shutting down",
	}); err != nil {
		d.logger.Warn("send shutdown message", zap.Error(err))
	}
}
