// Package subscription manages this device's push subscription: opting in
// and out with the backend and remembering the user's decision.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/notify"
	"github.com/gioruanova/fasttrack-push/internal/session"
	"github.com/gioruanova/fasttrack-push/internal/store"
	"github.com/gioruanova/fasttrack-push/internal/worker"
)

var (
	ErrUnsupported    = errors.New("push notifications not supported")
	ErrUnresolved     = errors.New("identity not resolved")
	ErrPermission     = errors.New("notification permission not granted")
	ErrNotConfirmed   = errors.New("unsubscribe from all devices not confirmed")
	ErrNoActiveWorker = errors.New("no active worker")
)

// PushManager holds the device's push subscription.
type PushManager interface {
	Subscribe(ctx context.Context, applicationServerKey string) (model.Subscription, error)
	Subscription(ctx context.Context) (*model.Subscription, error)
	Unsubscribe(ctx context.Context) (bool, error)
}

// Registration is the worker registration subscriptions are made against.
type Registration interface {
	WaitActivated(ctx context.Context, poll time.Duration) (worker.Worker, error)
}

// Environment is the set of platform APIs push needs. A nil member means
// the API is missing.
type Environment struct {
	Worker   Registration
	Push     PushManager
	Notifier notify.Notifier
}

// Identities returns the current portal identity.
type Identities interface {
	Current() (session.Identity, bool)
}

// Feedback surfaces the outcome of a subscription change to the user.
type Feedback interface {
	Success(msg string)
	Failure(msg string)
}

// LogFeedback writes feedback to a logger.
type LogFeedback struct {
	Logger *slog.Logger
}

func (f LogFeedback) Success(msg string) { f.Logger.Info(msg, "feedback", "success") }
func (f LogFeedback) Failure(msg string) { f.Logger.Warn(msg, "feedback", "failure") }

// Options tunes the manager.
type Options struct {
	// ActivationPoll is how often the worker state is polled while waiting
	// for activation.
	ActivationPoll    time.Duration
	// ActivationTimeout bounds the wait for an active worker. It defaults
	// to 50 polls.
	ActivationTimeout time.Duration
}

// Status is a snapshot of the subscription state.
type Status struct {
	Supported    bool                `json:"supported"`
	Subscribed   bool                `json:"subscribed"`
	Permission   notify.Permission   `json:"permission,omitempty"`
	Decision     model.Decision      `json:"decision,omitempty"`
	Subscription *model.Subscription `json:"subscription,omitempty"`
}

// Manager is the subscription manager.
type Manager struct {
	env       Environment
	backend   *Backend
	decisions *store.DecisionStore
	sessions  Identities
	feedback  Feedback
	opts      Options
	logger    *slog.Logger

	supportOnce sync.Once
	supported   bool

	mu         sync.Mutex
	subscribed bool
}

func NewManager(env Environment, backend *Backend, decisions *store.DecisionStore, sessions Identities, feedback Feedback, opts Options, logger *slog.Logger) *Manager {
	if opts.ActivationPoll <= 0 {
		opts.ActivationPoll = 200 * time.Millisecond
	}
	if opts.ActivationTimeout <= 0 {
		opts.ActivationTimeout = 50 * opts.ActivationPoll
	}
	if feedback == nil {
		feedback = LogFeedback{Logger: logger}
	}
	return &Manager{
		env:       env,
		backend:   backend,
		decisions: decisions,
		sessions:  sessions,
		feedback:  feedback,
		opts:      opts,
		logger:    logger,
	}
}

// CheckSupport reports whether the worker, push and notification APIs are
// all present. The answer is computed once.
func (m *Manager) CheckSupport() bool {
	m.supportOnce.Do(func() {
		m.supported = m.env.Worker != nil && m.env.Push != nil && m.env.Notifier != nil
		if !m.supported {
			m.logger.Info("push notifications unsupported")
		}
	})
	return m.supported
}

// Subscribed reports the local subscribed flag.
func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

func (m *Manager) setSubscribed(v bool) {
	m.mu.Lock()
	m.subscribed = v
	m.mu.Unlock()
}

// CheckSubscription reports whether the device holds a subscription. Any
// failure counts as not subscribed.
func (m *Manager) CheckSubscription(ctx context.Context) bool {
	if !m.CheckSupport() {
		return false
	}
	sub, err := m.env.Push.Subscription(ctx)
	if err != nil {
		m.logger.Warn("check subscription", "error", err)
		m.setSubscribed(false)
		return false
	}
	m.setSubscribed(sub != nil)
	return sub != nil
}

// SubscribeToPush subscribes the device and registers it with the backend.
// userID defaults to the current identity's user.
func (m *Manager) SubscribeToPush(ctx context.Context, showFeedback bool, userID string) bool {
	if err := m.subscribe(ctx, userID); err != nil {
		m.logger.Warn("subscribe to push failed", "error", err)
		if showFeedback {
			m.feedback.Failure(failureMessage(err))
		}
		return false
	}
	if showFeedback {
		m.feedback.Success("Notificaciones activadas")
	}
	return true
}

func (m *Manager) subscribe(ctx context.Context, userID string) error {
	if !m.CheckSupport() {
		return ErrUnsupported
	}
	id, ok := m.identity(ctx)
	if !ok || !id.Resolved() {
		return ErrUnresolved
	}
	if userID == "" {
		userID = id.UserID
	}

	perm := m.env.Notifier.Permission()
	if perm == notify.PermissionPrompt {
		var err error
		if perm, err = m.env.Notifier.RequestPermission(ctx); err != nil {
			return fmt.Errorf("request permission: %w", err)
		}
	}
	if perm != notify.PermissionGranted {
		if perm == notify.PermissionDenied {
			m.persist(ctx, userID, model.DecisionDeclined)
		}
		return fmt.Errorf("%w: %s", ErrPermission, perm)
	}

	key, err := m.backend.VAPIDPublicKey(ctx, id)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.ActivationTimeout)
	_, err = m.env.Worker.WaitActivated(waitCtx, m.opts.ActivationPoll)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoActiveWorker, err)
	}

	sub, err := m.env.Push.Subscribe(ctx, key)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	if err := m.backend.Register(ctx, id, sub); err != nil {
		// Without the backend's acknowledgement the device must not look
		// subscribed.
		if _, uerr := m.env.Push.Unsubscribe(ctx); uerr != nil {
			m.logger.Warn("drop unregistered subscription", "error", uerr)
		}
		m.setSubscribed(false)
		return err
	}

	m.setSubscribed(true)
	m.persist(ctx, userID, model.DecisionAccepted)
	m.logger.Info("subscribed to push", "user_id", userID, "endpoint", sub.Endpoint)
	return nil
}

// UnsubscribeFromPush drops the device subscription, then tells the
// backend. A backend failure is logged and does not fail the call.
func (m *Manager) UnsubscribeFromPush(ctx context.Context, userID string) bool {
	id, sub, err := m.teardown(ctx)
	if err != nil {
		m.logger.Warn("unsubscribe from push failed", "error", err)
		return false
	}
	if userID == "" {
		userID = id.UserID
	}

	if sub != nil {
		if !id.Resolved() {
			m.logger.Warn("backend not told of unsubscribe", "error", ErrUnresolved)
		} else if err := m.backend.Unregister(ctx, id, *sub); err != nil {
			m.logger.Warn("backend unsubscribe failed", "error", err)
		}
	}
	m.persist(ctx, userID, model.DecisionDeclined)
	m.logger.Info("unsubscribed from push", "user_id", userID)
	return true
}

// UnsubscribeFromAllDevices drops the device subscription and has the
// backend invalidate every subscription the user owns. confirmed must be
// set by the caller after asking the user.
func (m *Manager) UnsubscribeFromAllDevices(ctx context.Context, userID string, confirmed bool) bool {
	if !confirmed {
		m.logger.Warn("unsubscribe from all devices refused", "error", ErrNotConfirmed)
		return false
	}
	id, _, err := m.teardown(ctx)
	if err != nil {
		m.logger.Warn("unsubscribe from all devices failed", "error", err)
		return false
	}
	if userID == "" {
		userID = id.UserID
	}
	m.persist(ctx, userID, model.DecisionDeclined)

	if !id.Resolved() {
		m.logger.Warn("unsubscribe from all devices failed", "error", ErrUnresolved)
		return false
	}
	if err := m.backend.UnregisterAll(ctx, id); err != nil {
		m.logger.Warn("unsubscribe from all devices failed", "error", err)
		return false
	}
	m.logger.Info("unsubscribed from all devices", "user_id", userID)
	return true
}

// teardown removes the local subscription and returns what it was.
func (m *Manager) teardown(ctx context.Context) (session.Identity, *model.Subscription, error) {
	id, _ := m.identity(ctx)
	if !m.CheckSupport() {
		return id, nil, ErrUnsupported
	}
	sub, err := m.env.Push.Subscription(ctx)
	if err != nil {
		return id, nil, fmt.Errorf("read subscription: %w", err)
	}
	if sub != nil {
		if _, err := m.env.Push.Unsubscribe(ctx); err != nil {
			return id, nil, fmt.Errorf("remove subscription: %w", err)
		}
	}
	m.setSubscribed(false)
	return id, sub, nil
}

// HasNotificationDecision reports whether userID answered the opt-in.
func (m *Manager) HasNotificationDecision(ctx context.Context, userID string) bool {
	return m.GetNotificationDecision(ctx, userID) != model.DecisionUndecided
}

// GetNotificationDecision returns userID's stored decision.
func (m *Manager) GetNotificationDecision(ctx context.Context, userID string) model.Decision {
	if userID == "" {
		return model.DecisionUndecided
	}
	d, err := m.decisions.Get(ctx, userID)
	if err != nil {
		m.logger.Warn("read notification decision", "user_id", userID, "error", err)
		return model.DecisionUndecided
	}
	return d
}

// Status returns a snapshot for the current identity.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{Supported: m.CheckSupport()}
	if !st.Supported {
		return st
	}
	st.Permission = m.env.Notifier.Permission()
	st.Subscribed = m.CheckSubscription(ctx)
	if st.Subscribed {
		st.Subscription, _ = m.env.Push.Subscription(ctx)
	}
	if id, ok := m.identity(ctx); ok {
		st.Decision = m.GetNotificationDecision(ctx, id.UserID)
	}
	return st
}

// identity returns the identity bound to ctx, else the current one. A
// request sees one snapshot even if the portal changes the session
// meanwhile.
func (m *Manager) identity(ctx context.Context) (session.Identity, bool) {
	if id, ok := session.FromContext(ctx); ok {
		return id, true
	}
	return m.sessions.Current()
}

func (m *Manager) persist(ctx context.Context, userID string, d model.Decision) {
	if userID == "" {
		return
	}
	if err := m.decisions.Set(ctx, userID, d); err != nil {
		m.logger.Error("persist notification decision", "user_id", userID, "decision", d, "error", err)
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnsupported):
		return "Tu navegador no soporta notificaciones push"
	case errors.Is(err, ErrPermission):
		return "Permiso de notificaciones denegado"
	default:
		return "No se pudieron activar las notificaciones"
	}
}
