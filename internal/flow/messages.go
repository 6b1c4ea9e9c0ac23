package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/pagination"
)

// User-facing message templates. Handlers never surface raw downstream
// errors; every failure maps to one of these.
const (
	msgApology = "Sorry, something went wrong on our side. Please try again in a moment."
	msgBusy    = "We're having trouble reaching our services right now. Please wait a moment and try again."
	msgRetry   = "That didn't go through, please send your message again."

	msgIdleExpired = "You were signed out after a period of inactivity. Send 'login' to sign back in."
	msgAuthNeeded  = "You need to be signed in for that. Send 'login' to sign in, or 'register' to create an account."

	msgHelp = "I can help you register, sign in, browse products, doctors, lab tests and " +
		"appointment slots, manage your cart, place orders, book appointments, and reach " +
		"support. For example: 'products ibuprofen' or 'register Ada ada@example.com'."

	msgRegistrationCodeSent = "Thanks! Your confirmation code is %s. Reply with it to finish registering, or send 'resend' for a new one."
	msgRegistrationDone     = "Your account is ready and you're signed in. Send 'products' to start browsing."
	msgRegistrationRestart  = "We couldn't find your registration details. Please send 'register <name> <email>' to start again."
	msgCodeResent           = "Your new code is %s. The previous one no longer works."
	msgCodeFailedAfter      = "We verified your code but couldn't finish setting up your account. Your code is still valid, please send it again in a moment."

	msgLoginOK     = "You're signed in. Send 'products' to browse or 'help' for more."
	msgLoginFailed = "We couldn't sign you in right now. Please try again shortly."

	msgLogout = "You've been signed out. Your cart and browsing history were cleared."

	msgSupportEntered = "You're connected to support. Anything you send now goes to our team. Send 'exit support' to leave."
	msgSupportExited  = "You've left support chat. Send 'help' to see what I can do."
	msgSupportFailed  = "We couldn't connect you to support right now. Please try again in a few minutes."
	msgSupportAck     = "Passed along to our support team."

	msgCartEmpty     = "Your cart is empty. Browse 'products' and send 'add <number>' to fill it."
	msgOrderPlaced   = "Order %s placed. Total: %s. Send 'attach <link>' to add a prescription."
	msgBookingDone   = "Appointment %s booked."
	msgNoSlotList    = "Browse 'appointments' first, then send 'book <number>'."
	msgNoProductList = "Browse 'products' first, then send 'add <number>'."

	msgAttachSaved = "Got your document. It will be attached to your next order, or send 'attach' after placing one."
	msgAttachDone  = "Document attached to order %s."
	msgNothingToAttach = "There's no saved document to attach. Send 'attach <link>' with your document."

	msgNoResults = "No results found. Try a different search."
)

// supportExitPhrase must match exactly (after trimming and lowering) to
// leave support chat, so ordinary support messages never trigger it.
const supportExitPhrase = "exit support"

// listTitles names each list kind in rendered pages.
var listTitles = map[models.ListKind]string{
	models.ListKindProducts:     "Products",
	models.ListKindDoctors:      "Doctors",
	models.ListKindLabTests:     "Lab tests",
	models.ListKindAppointments: "Appointment slots",
}

// listSelectHints teach the selection command for kinds that support picking
// an item. A bare number jumps between pages, so selection needs a verb.
var listSelectHints = map[models.ListKind]string{
	models.ListKindProducts:     "Send 'add <number>' to add an item to your cart.",
	models.ListKindAppointments: "Send 'book <number>' to book a slot.",
}

// renderList renders a cursor page with the kind's selection hint appended.
func renderList(kind models.ListKind, items []models.PageItem, page, totalPages int) string {
	out := pagination.Render(items, page, totalPages, listTitles[kind], nil)
	if hint, ok := listSelectHints[kind]; ok {
		out += "\n" + hint
	}
	return out
}

// renderCart lays out the cart as a numbered list.
func renderCart(items []models.CartItem) string {
	if len(items) == 0 {
		return msgCartEmpty
	}
	var b strings.Builder
	b.WriteString("Your cart:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s x%d\n", i+1, item.Name, item.Quantity)
	}
	b.WriteString("\nSend 'order' to place your order.")
	return b.String()
}

// missingFieldsPrompt asks only for the registration fields still absent.
func missingFieldsPrompt(missing []string) string {
	return fmt.Sprintf("Almost there! Please send your %s to continue registration.", strings.Join(missing, " and "))
}

// rejectionMessage surfaces a business rejection's reason verbatim; these
// reasons are user-safe by contract.
func rejectionMessage(err error) string {
	if reason := models.RejectionReason(err); reason != "" {
		return strings.ToUpper(reason[:1]) + reason[1:]
	}
	return msgApology
}

// failureMessage maps the error taxonomy onto a user template.
func failureMessage(err error) string {
	switch {
	case models.IsRejected(err):
		return rejectionMessage(err)
	case models.IsNotFound(err):
		return msgNoResults
	case models.IsTransient(err):
		return msgBusy
	case models.IsConflict(err):
		return msgRetry
	default:
		return msgApology
	}
}
