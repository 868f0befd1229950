package session

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"hooktun/internal/model"
	"hooktun/internal/tunnel"
)

// attachResult carries the live endpoint, dispatcher and peer identity of a
// successful probe or install.
type attachResult struct {
	port       int
	endpoint   *tunnel.Endpoint
	dispatcher *tunnel.Dispatcher
	ident      model.IdentifyResult
}

func (r *attachResult) close() {
	if r.dispatcher != nil {
		r.dispatcher.Close(model.ErrConnectionLost)
	}
	if r.endpoint != nil {
		r.endpoint.Close() //nolint:errcheck
	}
}

// errProbeDone cancels the remaining candidates once one answered.
var errProbeDone = errors.New("probe resolved")

// probeWindow checks candidate ports for a hook that survived a daemon
// restart. Candidates run fully in parallel; the first port that answers and
// passes the identity check wins, the rest are cancelled and their listeners
// closed before this returns.
func (m *Manager) probeWindow(ctx context.Context, s *Session, candidates []int) (*attachResult, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("probe %s: no candidate ports", s.handle)
	}
	results := make(chan *attachResult, len(candidates))
	g, pctx := errgroup.WithContext(ctx)
	for _, port := range candidates {
		port := port
		g.Go(func() error {
			res, err := m.probePort(pctx, s, port)
			if err != nil {
				m.log.Debug("probe candidate failed", "window", s.handle, "port", port, "error", err)
				return nil // a silent candidate is not a group failure
			}
			select {
			case results <- res:
				return errProbeDone
			case <-pctx.Done():
				res.close()
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errProbeDone) {
		return nil, err
	}
	close(results)

	var winner *attachResult
	for res := range results {
		if winner == nil {
			winner = res
		} else {
			res.close()
		}
	}
	if winner == nil {
		return nil, fmt.Errorf("probe %s: no hook answered on %d candidate(s)", s.handle, len(candidates))
	}
	return winner, nil
}

// probePort listens on one candidate and waits briefly for the hook to
// redial. Every failure path closes the listener; cancellation must not leak
// a bound port.
func (m *Manager) probePort(ctx context.Context, s *Session, port int) (*attachResult, error) {
	ep, err := tunnel.Listen(m.cfg.ListenHost, port, m.log)
	if err != nil {
		return nil, err
	}
	conn, err := ep.AcceptOnce(ctx, m.cfg.ProbeTimeout)
	if err != nil {
		ep.Close() //nolint:errcheck
		return nil, err
	}
	d, ident, err := m.verifyConn(ctx, s, conn)
	if err != nil {
		ep.Close() //nolint:errcheck
		return nil, err
	}
	return &attachResult{port: port, endpoint: ep, dispatcher: d, ident: ident}, nil
}
