package lotus

import (
	"context"
	"time"

	"github.com/filecoinjs/lotusrpc/pkg/log"
)

// Poller emulates ChainNotify by polling ChainHead. It is used for
// connectors that cannot receive pushes.
type Poller struct {
	client   *Client
	interval time.Duration
}

func NewPoller(client *Client, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{client: client, interval: interval}
}

// Run polls until ctx is done. The first head seen is reported as
// HeadChangeCurrent, later heads with a different key as HeadChangeApply.
// Failed polls are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context, handler func([]HeadChange)) {
	lg := log.FromContext(ctx).WithName("head-poller")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var (
		seen bool
		last string
	)
	for {
		head, err := p.client.ChainHead(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			lg.Warn("failed to poll chain head", "error", err)
		case !seen:
			seen, last = true, head.Key()
			handler([]HeadChange{{Type: HeadChangeCurrent, Val: head}})
		case head.Key() != last:
			last = head.Key()
			lg.Debug("new chain head", "height", head.Height)
			handler([]HeadChange{{Type: HeadChangeApply, Val: head}})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
