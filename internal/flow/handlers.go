package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/pagination"
	"github.com/BTreeMap/CarePipe/internal/pharmacy"
	"github.com/BTreeMap/CarePipe/internal/retry"
)

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// handleRegister merges submitted fields into the registration breadcrumb.
// Complete fields issue a fresh code (superseding any live one, even on a
// duplicate submission); incomplete fields re-prompt for what is missing.
func (d *Dispatcher) handleRegister(sess *models.Session, params map[string]string) []string {
	reg := sess.Data.Registration
	if reg == nil {
		reg = &models.RegistrationPending{StartedAt: time.Now()}
	}
	if name := params["name"]; name != "" {
		reg.Name = name
	}
	if email := params["email"]; email != "" {
		reg.Email = email
	}
	// Fall back to scraping the free text for fields the classifier missed.
	if raw := params["query"]; raw != "" {
		if reg.Email == "" {
			reg.Email = emailRegex.FindString(raw)
		}
		if reg.Name == "" {
			if name := strings.TrimSpace(emailRegex.ReplaceAllString(raw, "")); name != "" {
				reg.Name = name
			}
		}
	}
	sess.Data.Registration = reg

	var missing []string
	if reg.Name == "" {
		missing = append(missing, "name")
	}
	if reg.Email == "" {
		missing = append(missing, "email address")
	}
	if len(missing) > 0 {
		return []string{missingFieldsPrompt(missing)}
	}

	payload := pharmacy.Registration{Name: reg.Name, Email: reg.Email, Phone: sess.Identity}
	code, err := d.gate.Issue(sess.Identity, models.CodePurposeRegistration, payload)
	if err != nil {
		slog.Error("handleRegister: code issue failed", "identity", sess.Identity, "error", err)
		return []string{failureMessage(err)}
	}
	sess.State = models.StateRegistering
	return []string{fmt.Sprintf(msgRegistrationCodeSent, code)}
}

// handleResend reissues the registration code from the session breadcrumb.
func (d *Dispatcher) handleResend(sess *models.Session) []string {
	reg := sess.Data.Registration
	if reg == nil || reg.Name == "" || reg.Email == "" {
		sess.Reset()
		return []string{msgRegistrationRestart}
	}
	payload := pharmacy.Registration{Name: reg.Name, Email: reg.Email, Phone: sess.Identity}
	code, err := d.gate.Issue(sess.Identity, models.CodePurposeRegistration, payload)
	if err != nil {
		slog.Error("handleResend: code issue failed", "identity", sess.Identity, "error", err)
		return []string{failureMessage(err)}
	}
	return []string{fmt.Sprintf(msgCodeResent, code)}
}

// handleCodeVerification completes registration on a valid code. The code is
// consumed before the account is created; if creation then fails, the code is
// unconsumed so the same code works on the next attempt. The payload comes
// from the code record's snapshot, so verification succeeds even when the
// session breadcrumb was lost.
func (d *Dispatcher) handleCodeVerification(ctx context.Context, sess *models.Session, code string) []string {
	raw, err := d.gate.Verify(sess.Identity, models.CodePurposeRegistration, code)
	if err != nil {
		if models.IsRejected(err) {
			return []string{rejectionMessage(err) + " Send 'resend' for a new code."}
		}
		slog.Error("handleCodeVerification: verify failed", "identity", sess.Identity, "error", err)
		return []string{msgApology}
	}

	var payload pharmacy.Registration
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Error("handleCodeVerification: payload unmarshal failed", "identity", sess.Identity, "error", err)
		d.compensateUnconsume(sess.Identity)
		return []string{msgCodeFailedAfter}
	}

	userID, _, err := retry.DoValue(ctx, d.executor, "pharmacy.RegisterUser", func(ctx context.Context) (string, error) {
		return d.client.RegisterUser(ctx, payload)
	})
	if err != nil {
		d.compensateUnconsume(sess.Identity)
		if models.IsRejected(err) {
			return []string{rejectionMessage(err)}
		}
		return []string{msgCodeFailedAfter}
	}
	slog.Info("handleCodeVerification: user created", "identity", sess.Identity, "user_id", userID)

	if err := d.lifecycle.IssueLocalToken(sess); err != nil {
		d.compensateUnconsume(sess.Identity)
		return []string{msgCodeFailedAfter}
	}
	// The external track is best-effort here; browsing without it degrades
	// gracefully and login can repopulate it later.
	token, _, err := retry.DoValue(ctx, d.executor, "pharmacy.Login", func(ctx context.Context) (string, error) {
		return d.client.Login(ctx, sess.Identity)
	})
	if err != nil {
		slog.Warn("handleCodeVerification: external token not obtained", "identity", sess.Identity, "error", err)
	} else {
		d.lifecycle.SetExternalToken(sess, token)
	}

	sess.State = models.StateLoggedIn
	sess.Data.Registration = nil
	return []string{msgRegistrationDone}
}

func (d *Dispatcher) compensateUnconsume(identity string) {
	if err := d.gate.Unconsume(identity, models.CodePurposeRegistration); err != nil {
		slog.Error("compensateUnconsume failed", "identity", identity, "error", err)
	}
}

// handleLogin authenticates against the platform with the session identity.
func (d *Dispatcher) handleLogin(ctx context.Context, sess *models.Session) []string {
	if sess.State == models.StateLoggedIn {
		return []string{msgLoginOK}
	}
	sess.State = models.StateLoggingIn

	token, _, err := retry.DoValue(ctx, d.executor, "pharmacy.Login", func(ctx context.Context) (string, error) {
		return d.client.Login(ctx, sess.Identity)
	})
	if err != nil {
		slog.Warn("handleLogin failed", "identity", sess.Identity, "error", err)
		if models.IsRejected(err) {
			return []string{rejectionMessage(err)}
		}
		return []string{msgLoginFailed}
	}
	if err := d.lifecycle.IssueLocalToken(sess); err != nil {
		return []string{msgLoginFailed}
	}
	d.lifecycle.SetExternalToken(sess, token)
	sess.State = models.StateLoggedIn
	return []string{msgLoginOK}
}

// handleLogout is a total logout: NEW with no residual data.
func (d *Dispatcher) handleLogout(sess *models.Session) []string {
	sess.Reset()
	return []string{msgLogout}
}

// handleSupportEnter opens a support ticket and hands the conversation off.
// A failed handoff leaves the session LOGGED_IN rather than stuck.
func (d *Dispatcher) handleSupportEnter(ctx context.Context, sess *models.Session) []string {
	token := d.externalToken(ctx, sess)
	ticketID, _, err := retry.DoValue(ctx, d.executor, "pharmacy.OpenSupportTicket", func(ctx context.Context) (string, error) {
		return d.client.OpenSupportTicket(ctx, token, sess.Identity)
	})
	if err != nil {
		slog.Error("handleSupportEnter: handoff failed", "identity", sess.Identity, "error", err)
		return []string{msgSupportFailed}
	}
	sess.State = models.StateSupportChat
	sess.Data.SupportTicketID = ticketID
	return []string{msgSupportEntered}
}

// handleSupportChat forwards everything to the open ticket, except the exact
// exit phrase, which always returns the session to LOGGED_IN. Ticket close is
// best-effort; the user is never trapped in support chat by a close failure.
func (d *Dispatcher) handleSupportChat(ctx context.Context, sess *models.Session, text, lower string) []string {
	if lower == supportExitPhrase {
		if ticket := sess.Data.SupportTicketID; ticket != "" {
			token := d.externalToken(ctx, sess)
			if _, err := d.executor.Do(ctx, "pharmacy.CloseSupportTicket", func(ctx context.Context) error {
				return d.client.CloseSupportTicket(ctx, token, ticket)
			}); err != nil {
				slog.Warn("handleSupportChat: ticket close failed", "identity", sess.Identity, "ticket", ticket, "error", err)
			}
		}
		sess.State = models.StateLoggedIn
		sess.Data.SupportTicketID = ""
		return []string{msgSupportExited}
	}

	token := d.externalToken(ctx, sess)
	if _, err := d.executor.Do(ctx, "pharmacy.ForwardSupportMessage", func(ctx context.Context) error {
		return d.client.ForwardSupportMessage(ctx, token, sess.Data.SupportTicketID, text)
	}); err != nil {
		slog.Error("handleSupportChat: forward failed", "identity", sess.Identity, "error", err)
		return []string{failureMessage(err)}
	}
	return []string{msgSupportAck}
}

// handleBrowse starts (or restarts) a paginated listing for a kind. A new
// search replaces that kind's cursor and makes it the active list.
func (d *Dispatcher) handleBrowse(ctx context.Context, sess *models.Session, kind models.ListKind, query string) []string {
	token := d.externalToken(ctx, sess)
	res, _, err := retry.DoValue(ctx, d.executor, "pharmacy.Search", func(ctx context.Context) (*pharmacy.SearchResult, error) {
		return pharmacy.Search(ctx, d.client, kind, token, query, 1, d.pageSize)
	})
	if err != nil {
		slog.Error("handleBrowse: search failed", "identity", sess.Identity, "kind", kind, "error", err)
		return []string{failureMessage(err)}
	}
	if len(res.Items) == 0 {
		return []string{msgNoResults}
	}

	cursor := &models.PageCursor{
		Page:       max(res.Page, 1),
		TotalPages: max(res.TotalPages, 1),
		PageSize:   d.pageSize,
		Query:      query,
		Items:      res.Items,
	}
	sess.Data.SetCursor(kind, cursor)
	sess.Data.ActiveList = kind
	return []string{renderList(kind, cursor.Items, cursor.Page, cursor.TotalPages)}
}

// handleNavigation re-fetches exactly one page for the active cursor.
func (d *Dispatcher) handleNavigation(ctx context.Context, sess *models.Session, kind models.ListKind, target int) []string {
	current := sess.Data.Cursor(kind)
	token := d.externalToken(ctx, sess)
	res, _, err := retry.DoValue(ctx, d.executor, "pharmacy.Search", func(ctx context.Context) (*pharmacy.SearchResult, error) {
		return pharmacy.Search(ctx, d.client, kind, token, current.Query, target, current.PageSize)
	})
	if err != nil {
		slog.Error("handleNavigation: page fetch failed", "identity", sess.Identity, "kind", kind, "page", target, "error", err)
		return []string{failureMessage(err)}
	}

	current.Page = target
	if res.TotalPages > 0 {
		current.TotalPages = res.TotalPages
	}
	current.Items = res.Items
	return []string{renderList(kind, current.Items, current.Page, current.TotalPages)}
}

// handleAddToCart picks a product by position from the cached product page.
func (d *Dispatcher) handleAddToCart(sess *models.Session, params map[string]string) []string {
	cursor := sess.Data.Cursor(models.ListKindProducts)
	if cursor == nil {
		return []string{msgNoProductList}
	}
	position, err := strconv.Atoi(strings.TrimSpace(params["query"]))
	if err != nil {
		return []string{"Send 'add <number>' to pick from the list, e.g. 'add 1'."}
	}
	item, err := pagination.SelectItem(cursor, position)
	if err != nil {
		return []string{failureMessage(err)}
	}

	quantity := 1
	if q, err := strconv.Atoi(params["quantity"]); err == nil && q > 0 {
		quantity = q
	}
	sess.Data.Cart = append(sess.Data.Cart, models.CartItem{ProductID: item.ID, Name: item.Label, Quantity: quantity})
	return []string{fmt.Sprintf("%s added to your cart (%d item(s) total). Send 'order' when ready.", item.Label, len(sess.Data.Cart))}
}

// handlePlaceOrder submits the cart, remembers the order, and clears the cart.
func (d *Dispatcher) handlePlaceOrder(ctx context.Context, sess *models.Session) []string {
	if len(sess.Data.Cart) == 0 {
		return []string{msgCartEmpty}
	}
	token := d.externalToken(ctx, sess)
	order, _, err := retry.DoValue(ctx, d.executor, "pharmacy.PlaceOrder", func(ctx context.Context) (*pharmacy.Order, error) {
		return d.client.PlaceOrder(ctx, token, sess.Data.Cart)
	})
	if err != nil {
		slog.Error("handlePlaceOrder failed", "identity", sess.Identity, "error", err)
		return []string{failureMessage(err)}
	}

	sess.Data.LastOrderID = order.ID
	sess.Data.Cart = nil
	slog.Info("handlePlaceOrder: order placed", "identity", sess.Identity, "order_id", order.ID)
	return []string{fmt.Sprintf(msgOrderPlaced, order.ID, order.Total)}
}

// handleBookAppointment books a slot by position from the cached slot page.
func (d *Dispatcher) handleBookAppointment(ctx context.Context, sess *models.Session, params map[string]string) []string {
	cursor := sess.Data.Cursor(models.ListKindAppointments)
	if cursor == nil {
		return []string{msgNoSlotList}
	}
	position, err := strconv.Atoi(strings.TrimSpace(params["query"]))
	if err != nil {
		return []string{msgNoSlotList}
	}
	slot, err := pagination.SelectItem(cursor, position)
	if err != nil {
		return []string{failureMessage(err)}
	}

	token := d.externalToken(ctx, sess)
	appointmentID, _, err := retry.DoValue(ctx, d.executor, "pharmacy.BookAppointment", func(ctx context.Context) (string, error) {
		return d.client.BookAppointment(ctx, token, slot.ID)
	})
	if err != nil {
		slog.Error("handleBookAppointment failed", "identity", sess.Identity, "slot", slot.ID, "error", err)
		return []string{failureMessage(err)}
	}
	sess.Data.LastAppointmentID = appointmentID
	return []string{fmt.Sprintf(msgBookingDone, appointmentID)}
}

// handleAttachDocument links a document to the last order, or parks it as a
// pending attachment when no order exists yet.
func (d *Dispatcher) handleAttachDocument(ctx context.Context, sess *models.Session, params map[string]string) []string {
	ref := strings.TrimSpace(params["query"])
	if ref == "" {
		ref = sess.Data.PendingAttachmentID
	}
	if ref == "" {
		return []string{msgNothingToAttach}
	}
	if sess.Data.LastOrderID == "" {
		sess.Data.PendingAttachmentID = ref
		return []string{msgAttachSaved}
	}
	return d.attach(ctx, sess, ref)
}

// handleQuickAttach links the parked attachment with a bare "attach" command.
func (d *Dispatcher) handleQuickAttach(ctx context.Context, sess *models.Session) []string {
	if sess.Data.LastOrderID == "" {
		return []string{"Place an order first, then send 'attach' to link your document to it."}
	}
	return d.attach(ctx, sess, sess.Data.PendingAttachmentID)
}

func (d *Dispatcher) attach(ctx context.Context, sess *models.Session, ref string) []string {
	token := d.externalToken(ctx, sess)
	orderID := sess.Data.LastOrderID
	_, _, err := retry.DoValue(ctx, d.executor, "pharmacy.AttachDocument", func(ctx context.Context) (string, error) {
		return d.client.AttachDocument(ctx, token, orderID, ref)
	})
	if err != nil {
		slog.Error("attach failed", "identity", sess.Identity, "order_id", orderID, "error", err)
		return []string{failureMessage(err)}
	}
	sess.Data.PendingAttachmentID = ""
	return []string{fmt.Sprintf(msgAttachDone, orderID)}
}
