package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 3 * time.Second

// Service runs product operations as single units of work over the ledger engine.
type Service struct {
	ledger         *ledger.Service
	repository     Repository
	publisher      events.Publisher
	logger         *zap.Logger
	nowFn          func() time.Time
	newID          func() string
	overage        ledger.OveragePolicy
	publishTimeout time.Duration
}

// Option configures a Service instance.
type Option func(*Service)

// WithPublisher sets where committed events are delivered.
func WithPublisher(publisher events.Publisher) Option {
	return func(service *Service) {
		if publisher != nil {
			service.publisher = publisher
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithIDGenerator replaces the generator used for session, payout, goal and entitlement ids.
func WithIDGenerator(newID func() string) Option {
	return func(service *Service) {
		if newID != nil {
			service.newID = newID
		}
	}
}

// WithOveragePolicy sets the policy used when a session bills more than it reserved.
func WithOveragePolicy(policy ledger.OveragePolicy) Option {
	return func(service *Service) {
		service.overage = policy
	}
}

// WithPublishTimeout bounds each post-commit publish.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(service *Service) {
		if timeout > 0 {
			service.publishTimeout = timeout
		}
	}
}

// NewService wires a Service.
func NewService(ledgerService *ledger.Service, repository Repository, clock func() time.Time, options ...Option) (*Service, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ErrInvalidConfig)
	}
	if repository == nil {
		return nil, fmt.Errorf("%w: repository is nil", ErrInvalidConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidConfig)
	}
	service := &Service{
		ledger:         ledgerService,
		repository:     repository,
		logger:         zap.NewNop(),
		nowFn:          clock,
		newID:          uuid.NewString,
		overage:        ledger.OverageWriteOff,
		publishTimeout: defaultPublishTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.publisher == nil {
		service.publisher = events.NewNoopPublisher(service.logger)
	}
	if _, err := ledger.ParseOveragePolicy(service.overage.String()); err != nil {
		return nil, err
	}
	return service, nil
}

// Ledger exposes the engine for balance and history queries.
func (service *Service) Ledger() *ledger.Service {
	return service.ledger
}

// inTx runs fn in one unit of work. A racing duplicate that slipped past the idempotency
// check aborts the first attempt; the retry then observes the committed original.
func (service *Service) inTx(ctx context.Context, fn func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error) error {
	run := func() error {
		return service.repository.InTx(ctx, func(ctx context.Context, repository Repository) error {
			return fn(ctx, repository, service.ledger.Within(repository))
		})
	}
	err := run()
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) || errors.Is(err, ledger.ErrHoldExists) {
		service.logger.Info("retrying unit of work after idempotency race", zap.Error(err))
		err = run()
	}
	return err
}

func (service *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = service.nowFn().UTC()
	}
	publishContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), service.publishTimeout)
	defer cancel()
	if err := service.publisher.Publish(publishContext, event); err != nil {
		service.logger.Warn("event publish failed", zap.String("event", event.Name), zap.Error(err))
	}
}

func (service *Service) publishTransfer(ctx context.Context, transfer ledger.TransferResult) {
	service.publish(ctx, events.Event{
		Name:          events.NameTransferCompleted,
		UserIDs:       []string{transfer.Debit.UserID.String(), transfer.Credit.UserID.String()},
		Amount:        transfer.Credit.Amount.Int64(),
		TransactionID: transfer.TransactionID.String(),
		Attributes:    map[string]string{"type": transfer.Debit.Type.String()},
	})
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

func alreadyApplied(ctx context.Context, repository Repository, key ledger.IdempotencyKey) (bool, error) {
	_, err := repository.FindEntryByIdempotencyKey(ctx, key)
	if errors.Is(err, ledger.ErrUnknownEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
