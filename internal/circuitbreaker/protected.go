package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/mailer"
)

// ProtectedMailer wraps a Mailer with a CircuitBreaker.
// Messages the provider would reject anyway do not count as provider failures.
type ProtectedMailer struct {
	mailer  mailer.Mailer
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedMailer wraps m with breaker protection.
func NewProtectedMailer(m mailer.Mailer, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedMailer {
	return &ProtectedMailer{
		mailer:  m,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedMailer) Send(ctx context.Context, msg mailer.Message) (mailer.Receipt, error) {
	if err := msg.Validate(); err != nil {
		return mailer.Receipt{}, err
	}

	var receipt mailer.Receipt
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var sendErr error
		receipt, sendErr = p.mailer.Send(ctx, msg)
		return sendErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("mail provider unavailable, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("to", msg.ToEmail),
		)
	}
	return receipt, err
}

// Breaker returns the underlying circuit breaker for health reporting.
func (p *ProtectedMailer) Breaker() *CircuitBreaker {
	return p.breaker
}
