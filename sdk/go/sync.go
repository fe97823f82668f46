package ttmsdk

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// SessionOptions tunes a Session. Zero values take the defaults.
type SessionOptions struct {
	// PollInterval is the periodic REST refetch, on top of socket frames.
	PollInterval time.Duration
	// Limit is the page size of the mission snapshot.
	Limit int
	Live  LiveOptions

	// OnChange runs after the view changed.
	OnChange func()
	// OnFinanceChanged runs for transaction and withdrawal events. They are
	// invalidation signals: refetch what the screen shows.
	OnFinanceChanged func(event string)
}

// Session keeps a MissionView in sync with the server: a REST snapshot at
// start, socket frames as they arrive, a resync after every reconnect and a
// periodic refetch.
type Session struct {
	Client *Client
	View   *MissionView

	opts SessionOptions
}

func NewSession(c *Client, opts SessionOptions) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 200
	}
	opts.Live = opts.Live.withDefaults()
	return &Session{Client: c, View: NewMissionView(), opts: opts}
}

// Refresh replaces the view with a REST snapshot.
func (s *Session) Refresh(ctx context.Context) error {
	items, err := s.Client.ListMissions(ctx, "", s.opts.Limit)
	if err != nil {
		return err
	}
	s.View.Replace(items)
	s.changed()
	return nil
}

// Run blocks until ctx ends, the token is rejected or the socket gives up.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	liveOpts := s.opts.Live
	liveOpts.OnFrame = s.handle
	liveOpts.OnReconnect = func(ctx context.Context) {
		if err := s.Refresh(ctx); err != nil {
			s.opts.Live.Logger.WithError(err).Warn("resync after reconnect failed")
		}
	}
	live := NewLive(s.Client, liveOpts)
	if err := live.Connect(ctx); err != nil {
		return err
	}
	defer live.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Refresh(gctx); err != nil {
					if errors.Is(err, ErrUnauthorized) {
						return err
					}
					s.opts.Live.Logger.WithError(err).Warn("periodic refetch failed")
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-live.Done():
			return live.Err()
		}
	})
	return g.Wait()
}

func (s *Session) handle(f Frame) {
	switch f.Event {
	case EventTransactionCreated, EventTransactionUpdated, EventTransactionConfirmed,
		EventWithdrawalCreated, EventWithdrawalUpdated:
		if s.opts.OnFinanceChanged != nil {
			s.opts.OnFinanceChanged(f.Event)
		}
		return
	}
	changed, err := s.View.Apply(f)
	if err != nil {
		s.opts.Live.Logger.WithError(err).Debug("skipping socket frame")
		return
	}
	if changed {
		s.changed()
	}
}

func (s *Session) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}
