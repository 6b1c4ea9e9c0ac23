// Package flow is the conversation state machine: it routes each inbound
// event to the right handler based on session state, pending gated flows,
// active pagination cursors, and classified intent, then commits exactly one
// session save per event.
package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/auth"
	"github.com/BTreeMap/CarePipe/internal/intent"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/otp"
	"github.com/BTreeMap/CarePipe/internal/pagination"
	"github.com/BTreeMap/CarePipe/internal/pharmacy"
	"github.com/BTreeMap/CarePipe/internal/retry"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// DefaultPageSize is the catalog page size when none is configured.
const DefaultPageSize = 5

// Opts holds optional Dispatcher configuration.
type Opts struct {
	PageSize int
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithPageSize sets the catalog page size.
func WithPageSize(n int) Option {
	return func(o *Opts) { o.PageSize = n }
}

// Dispatcher drives the per-identity conversation state machine.
type Dispatcher struct {
	store      store.Store
	lifecycle  *auth.Lifecycle
	gate       *otp.Gate
	classifier intent.Classifier
	client     pharmacy.Client
	executor   retry.Executor
	pageSize   int
}

// NewDispatcher wires the dispatcher's collaborators.
func NewDispatcher(s store.Store, lc *auth.Lifecycle, gate *otp.Gate, classifier intent.Classifier, client pharmacy.Client, executor retry.Executor, opts ...Option) *Dispatcher {
	cfg := Opts{PageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		store:      s,
		lifecycle:  lc,
		gate:       gate,
		classifier: classifier,
		client:     client,
		executor:   executor,
		pageSize:   cfg.PageSize,
	}
}

// HandleEvent processes one inbound message and returns the replies to send.
// The session is loaded fresh, mutated by exactly one routing pass, and
// committed with a single save. A version conflict gets one re-read and
// re-apply before giving up with a retry prompt, but only when the pass made
// no upstream mutation; re-running an order or a booking could apply it twice.
func (d *Dispatcher) HandleEvent(ctx context.Context, identity, text string, ts time.Time) []string {
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := d.store.CreateSessionIfAbsent(identity)
		if err != nil {
			slog.Error("Dispatcher.HandleEvent: session load failed", "identity", identity, "error", err)
			return []string{msgApology}
		}

		replies, effectful := d.process(ctx, sess, text)
		sess.LastActivity = ts

		err = d.store.SaveSession(sess)
		if err == nil {
			return replies
		}
		if models.IsConflict(err) && attempt == 0 && !effectful {
			slog.Warn("Dispatcher.HandleEvent: save conflict, re-applying once", "identity", identity)
			continue
		}
		slog.Error("Dispatcher.HandleEvent: session save failed", "identity", identity, "error", err)
		return []string{msgRetry}
	}
	return []string{msgRetry}
}

// effectfulIntents marks intents whose handlers mutate upstream state
// (account creation, orders, bookings, attachments, support tickets). A save
// conflict after one of these must not re-run the handler.
var effectfulIntents = map[intent.Intent]bool{
	intent.IntentRegister:        true,
	intent.IntentLogin:           true,
	intent.IntentPlaceOrder:      true,
	intent.IntentBookAppointment: true,
	intent.IntentAttachDocument:  true,
	intent.IntentSupport:         true,
}

// process runs one routing pass over the session. Priority order: support
// passthrough, pending code verification, quick-attach, pagination
// navigation, then intent classification. Structured inputs (a bare code, a
// page number) must never reach the classifier. The second return reports
// whether the pass may have mutated upstream state, which makes it unsafe to
// re-run on a save conflict.
func (d *Dispatcher) process(ctx context.Context, sess *models.Session, text string) ([]string, bool) {
	var replies []string

	if d.lifecycle.CheckIdleExpiry(sess) {
		sess.Reset()
		replies = append(replies, msgIdleExpired)
	}
	if sess.State == models.StateLoggedIn {
		d.lifecycle.Touch(sess)
	}

	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if sess.State == models.StateSupportChat {
		return append(replies, d.handleSupportChat(ctx, sess, trimmed, lower)...), true
	}

	if sess.State == models.StateRegistering {
		if lower == "resend" {
			return append(replies, d.handleResend(sess)...), true
		}
		if len(trimmed) == d.gate.Length() && util.IsDigits(trimmed) {
			return append(replies, d.handleCodeVerification(ctx, sess, trimmed)...), true
		}
	}

	if sess.Data.PendingAttachmentID != "" && lower == "attach" {
		return append(replies, d.handleQuickAttach(ctx, sess)...), true
	}

	if kind := sess.Data.ActiveList; kind != "" {
		if c := sess.Data.Cursor(kind); c != nil {
			if target, ok := pagination.ResolveTarget(trimmed, c.Page, c.TotalPages); ok {
				return append(replies, d.handleNavigation(ctx, sess, kind, target)...), false
			}
		}
	}

	cls, _, err := retry.DoValue(ctx, d.executor, "intent.Classify", func(ctx context.Context) (intent.Classification, error) {
		return d.classifier.Classify(ctx, text)
	})
	if err != nil {
		slog.Error("Dispatcher.process: classification failed", "identity", sess.Identity, "error", err)
		return append(replies, failureMessage(err)), false
	}
	slog.Debug("Dispatcher.process: intent classified", "identity", sess.Identity, "intent", cls.Intent, "source", cls.Source)
	return append(replies, d.dispatchIntent(ctx, sess, cls)...), effectfulIntents[cls.Intent]
}

// dispatchIntent routes a classified intent to its handler, gating
// authenticated-only intents on LOGGED_IN.
func (d *Dispatcher) dispatchIntent(ctx context.Context, sess *models.Session, cls intent.Classification) []string {
	switch cls.Intent {
	case intent.IntentRegister:
		return d.handleRegister(sess, cls.Params)
	case intent.IntentLogin:
		return d.handleLogin(ctx, sess)
	case intent.IntentLogout:
		return d.handleLogout(sess)
	case intent.IntentBrowseProducts:
		return d.handleBrowse(ctx, sess, models.ListKindProducts, cls.Params["query"])
	case intent.IntentBrowseDoctors:
		return d.handleBrowse(ctx, sess, models.ListKindDoctors, cls.Params["query"])
	case intent.IntentBrowseLabTests:
		return d.handleBrowse(ctx, sess, models.ListKindLabTests, cls.Params["query"])
	case intent.IntentBrowseSlots:
		return d.handleBrowse(ctx, sess, models.ListKindAppointments, cls.Params["query"])
	case intent.IntentAddToCart:
		if sess.State != models.StateLoggedIn {
			return []string{msgAuthNeeded}
		}
		return d.handleAddToCart(sess, cls.Params)
	case intent.IntentViewCart:
		if sess.State != models.StateLoggedIn {
			return []string{msgAuthNeeded}
		}
		return []string{renderCart(sess.Data.Cart)}
	case intent.IntentPlaceOrder:
		if sess.State != models.StateLoggedIn {
			return []string{msgAuthNeeded}
		}
		return d.handlePlaceOrder(ctx, sess)
	case intent.IntentBookAppointment:
		if sess.State != models.StateLoggedIn {
			return []string{msgAuthNeeded}
		}
		return d.handleBookAppointment(ctx, sess, cls.Params)
	case intent.IntentAttachDocument:
		if sess.State != models.StateLoggedIn {
			return []string{msgAuthNeeded}
		}
		return d.handleAttachDocument(ctx, sess, cls.Params)
	case intent.IntentSupport:
		if sess.State != models.StateLoggedIn {
			return []string{msgAuthNeeded}
		}
		return d.handleSupportEnter(ctx, sess)
	case intent.IntentHelp:
		return []string{msgHelp}
	default:
		return []string{msgHelp}
	}
}

// externalToken returns the external-track token for upstream calls,
// refreshing it when due. Missing or unrefreshable tokens degrade to an
// empty token rather than failing the event.
func (d *Dispatcher) externalToken(ctx context.Context, sess *models.Session) string {
	if sess.Data.ExternalToken == nil {
		return ""
	}
	token, err := d.lifecycle.GetOrRefresh(ctx, sess, models.TokenSourceExternal, func(ctx context.Context) (string, error) {
		current := sess.Data.ExternalToken.Value
		fresh, _, err := retry.DoValue(ctx, d.executor, "pharmacy.RefreshToken", func(ctx context.Context) (string, error) {
			return d.client.RefreshToken(ctx, current)
		})
		return fresh, err
	})
	if err != nil {
		slog.Warn("Dispatcher.externalToken: token unavailable", "identity", sess.Identity, "error", err)
		return ""
	}
	return token
}
