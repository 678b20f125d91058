package client

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Stacker is the client-side view of the whole bench: proxies for the
// sample stage, the camera, and the stamp.
type Stacker struct {
	Sam  *StageClient
	Cam  *StageClient
	Stmp *StageClient

	client *Client
	log    *zap.Logger
}

// NewStacker creates the three stage proxies over c. A positive staleness
// gives each proxy its own cache; zero disables caching.
func NewStacker(c *Client, staleness time.Duration) *Stacker {
	newCache := func() *Cache {
		if staleness <= 0 {
			return nil
		}
		return NewCache(staleness, nil)
	}
	log := c.common.Named("stacker")
	return &Stacker{
		Sam:    NewStageClient("sam", c, newCache(), log),
		Cam:    NewStageClient("cam", c, newCache(), log),
		Stmp:   NewStageClient("stmp", c, newCache(), log),
		client: c,
		log:    log,
	}
}

// Stage returns the proxy for name.
func (s *Stacker) Stage(name string) (*StageClient, error) {
	switch name {
	case "sam":
		return s.Sam, nil
	case "cam":
		return s.Cam, nil
	case "stmp":
		return s.Stmp, nil
	default:
		return nil, fmt.Errorf("no stage named %q", name)
	}
}

// Stages returns the proxies in display order.
func (s *Stacker) Stages() []*StageClient {
	return []*StageClient{s.Cam, s.Stmp, s.Sam}
}

// Pos returns posv for every stage, keyed by stage name.
func (s *Stacker) Pos(ctx context.Context) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, 3)
	for _, st := range s.Stages() {
		pos, err := st.Posv(ctx)
		if err != nil {
			return nil, err
		}
		out[st.Name()] = pos
	}
	return out, nil
}

// Limits returns the axis limits of every stage, keyed by stage name.
func (s *Stacker) Limits(ctx context.Context) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, 3)
	for _, st := range s.Stages() {
		limits, err := st.Limits(ctx)
		if err != nil {
			return nil, err
		}
		out[st.Name()] = limits
	}
	return out, nil
}

type demoMove struct {
	axis  string
	delta float64
}

var demoMoves = map[string][]demoMove{
	"stmp": {
		{"z", +4}, {"z", -4},
		{"x", +2}, {"x", -4}, {"x", +2},
		{"y", +2}, {"y", -4}, {"y", +2},
		{"roll", +2}, {"roll", -4}, {"roll", +2},
		{"pitch", +3}, {"pitch", -3},
	},
	"sam": {
		{"x", +5}, {"x", -5},
		{"y", +5}, {"y", -5},
		{"phi", +8}, {"phi", -16}, {"phi", +8},
	},
	"cam": {
		{"z", +5}, {"z", -5},
	},
}

// Demo exercises the named stages with a fixed sequence of relative moves
// that returns every axis to where it started. It stops at the first
// failed move.
func (s *Stacker) Demo(ctx context.Context, iterations int, stages ...string) error {
	for i := 0; i < iterations; i++ {
		s.log.Info("running demo iteration", zap.Int("iteration", i))
		for _, name := range []string{"stmp", "sam", "cam"} {
			if !slices.Contains(stages, name) {
				continue
			}
			st, _ := s.Stage(name)
			for _, m := range demoMoves[name] {
				if _, err := st.Axis(m.axis).MoveRelative(ctx, m.delta); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Close closes the underlying client.
func (s *Stacker) Close() error {
	return s.client.Close()
}
