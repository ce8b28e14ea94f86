package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/reasoning"
)

type Config struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial" validate:"gte=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" validate:"gte=0"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		Timeout:        90 * time.Second,
	}
}

// Result is the outcome of one Decide call.
type Result struct {
	SystemPrompt string
	UserPrompt   string
	RawResponses []string
	Reasoning    string
	Actions      []models.Action
	Outcomes     []models.ActionOutcome
	Attempts     int
	Outcome      models.DecisionOutcome
	Err          error
}

// Pipeline turns a snapshot into validated actions through the reasoning
// service.
type Pipeline struct {
	reasoner reasoning.Reasoner
	cfg      Config
	logger   *logrus.Logger
}

func NewPipeline(reasoner reasoning.Reasoner, cfg Config, logger *logrus.Logger) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Pipeline{reasoner: reasoner, cfg: cfg, logger: logger}
}

func (p *Pipeline) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.BackoffInitial
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	if p.cfg.BackoffMax > 0 {
		exp.MaxInterval = p.cfg.BackoffMax
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.cfg.MaxAttempts-1)), ctx)
}

// Decide asks the reasoning service for actions on snap. Failed calls and
// malformed output are retried up to MaxAttempts in total. When every
// attempt fails the result has no actions and a failed_validation outcome;
// nothing is guessed.
func (p *Pipeline) Decide(ctx context.Context, snap Snapshot) Result {
	res := Result{
		SystemPrompt: BuildSystemPrompt(snap.Config),
		UserPrompt:   BuildUserPrompt(snap),
	}
	req := reasoning.Request{
		TraderID: snap.TraderID,
		Model:    snap.Config.Model,
		System:   res.SystemPrompt,
		User:     res.UserPrompt,
		Symbols:  snap.Config.Universe,
	}

	log := p.logger.WithFields(logrus.Fields{
		"trader_id": snap.TraderID,
		"cycle":     snap.Cycle,
	})

	var parsed Parsed
	operation := func() error {
		res.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		raw, err := p.reasoner.Complete(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !errors.Is(err, models.ErrExternalService) {
				err = fmt.Errorf("%w: %v", models.ErrExternalService, err)
			}
			return err
		}
		res.RawResponses = append(res.RawResponses, raw)

		parsed, err = ParseResponse(raw)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": res.Attempts,
			"retry":   wait.String(),
		}).Warn("Decision attempt failed")
	}

	if err := backoff.RetryNotify(operation, p.newBackOff(ctx), notify); err != nil {
		res.Reasoning = parsed.Reasoning
		if ctx.Err() != nil {
			res.Outcome = models.OutcomeError
			res.Err = fmt.Errorf("decision interrupted: %w", ctx.Err())
		} else {
			res.Outcome = models.OutcomeFailedValidation
			res.Err = fmt.Errorf("%w: giving up after %d attempts: %v", models.ErrDecisionValidation, res.Attempts, err)
		}
		log.WithError(res.Err).Error("Decision failed")
		return res
	}

	res.Reasoning = parsed.Reasoning
	res.Outcomes = ValidateActions(parsed.Actions, snap)
	res.Actions = make([]models.Action, len(res.Outcomes))
	invalid := 0
	for i, o := range res.Outcomes {
		res.Actions[i] = o.Action
		if !o.Valid {
			invalid++
		}
	}
	res.Outcome = models.OutcomeOK

	log.WithFields(logrus.Fields{
		"attempts": res.Attempts,
		"actions":  len(res.Actions),
		"invalid":  invalid,
	}).Info("Decision parsed")
	return res
}
