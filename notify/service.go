// Package notify is the entry point of the notification extension. Every call is bounded by
// the execution budget and returns an explicit result, the host decides what fallback
// content to show for anything which was not delivered.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/envelope"
	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/ratchet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Outcome int

const (
	Delivered Outcome = iota
	Duplicate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

type Result struct {
	EnvelopeID     string
	ConversationID ids.ID
	Type           envelope.PayloadType
	Outcome        Outcome
	Err            error
}

// Retryable reports whether redelivering the envelope may succeed.
func (r *Result) Retryable() bool {
	if r.Outcome != Failed {
		return false
	}
	return !ratchet.IsFatalForMessage(r.Err) && !errors.Is(r.Err, envelope.ErrMalformed)
}

// Processor is satisfied by *envelope.Manager.
type Processor interface {
	ProcessRaw(ctx context.Context, raw []byte) (*envelope.Result, error)
}

type Service struct {
	log         *zap.SugaredLogger
	processor   Processor
	budget      time.Duration
	concurrency int
}

func NewService(c *config.Config, processor Processor) *Service {
	concurrency := c.BatchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		log:         c.Logger("notify"),
		processor:   processor,
		budget:      c.ExecutionBudget(),
		concurrency: concurrency,
	}
}

func (s *Service) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.budget)
}

// Handle processes one raw envelope within the execution budget.
func (s *Service) Handle(ctx context.Context, raw []byte) *Result {
	ctx, cancel := s.withBudget(ctx)
	defer cancel()
	return s.handle(ctx, raw)
}

func (s *Service) handle(ctx context.Context, raw []byte) *Result {
	start := time.Now()
	res, err := s.processor.ProcessRaw(ctx, raw)
	if err != nil {
		s.log.Infof("envelope failed after %s: %v", time.Since(start), err)
		out := &Result{Outcome: Failed, Err: err}
		// a failure after decoding still reports which envelope it was
		if env, derr := envelope.Decode(raw); derr == nil {
			out.EnvelopeID = env.ID
			out.ConversationID = env.ConversationID
			out.Type = env.Payload.Type
		}
		return out
	}
	out := &Result{EnvelopeID: res.EnvelopeID, ConversationID: res.ConversationID, Type: res.Type, Outcome: Delivered}
	if res.Duplicate {
		out.Outcome = Duplicate
	}
	s.log.Debugf("envelope %s %s in %s", out.EnvelopeID, out.Outcome, time.Since(start))
	return out
}

// HandleBatch processes raws concurrently under one shared budget. Results are in input
// order and one failure does not stop the others.
func (s *Service) HandleBatch(ctx context.Context, raws [][]byte) []*Result {
	ctx, cancel := s.withBudget(ctx)
	defer cancel()

	results := make([]*Result, len(raws))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, raw := range raws {
		g.Go(func() error {
			results[i] = s.handle(ctx, raw)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
