package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// DefaultMailboxSize is the per-identity inbound queue depth.
const DefaultMailboxSize = 16

// MailboxFullReply is sent when an identity's mailbox is full and an inbound
// message has to be dropped, so the drop is visible to the sender.
const MailboxFullReply = "You're sending messages faster than I can handle. Please wait a moment and send that again."

// HandleFunc processes one inbound response and returns the replies to send.
type HandleFunc func(ctx context.Context, resp models.Response) []string

// Worker consumes inbound responses from a Service and dispatches them
// through per-identity mailboxes, so events from one identity are processed
// strictly in arrival order while different identities proceed in parallel.
// The store's version check remains the backstop across process instances.
type Worker struct {
	svc    Service
	handle HandleFunc

	mu    sync.Mutex
	boxes map[string]chan models.Response
	wg    sync.WaitGroup
}

// NewWorker creates a Worker delivering responses to handle.
func NewWorker(svc Service, handle HandleFunc) *Worker {
	return &Worker{
		svc:    svc,
		handle: handle,
		boxes:  make(map[string]chan models.Response),
	}
}

// Run routes inbound responses until the context is cancelled or the
// service's response channel closes, then drains every mailbox.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Worker.Run started")
	defer w.shutdown()

	responses := w.svc.Responses()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Worker.Run stopping due to context cancellation")
			return ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				slog.Info("Worker.Run stopping, response channel closed")
				return nil
			}
			w.route(ctx, resp)
		}
	}
}

// route enqueues a response on its identity's mailbox, creating the mailbox
// and its consumer on first contact.
func (w *Worker) route(ctx context.Context, resp models.Response) {
	canonical, err := w.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("Worker.route dropping response with invalid sender", "from", resp.From, "error", err)
		return
	}
	resp.From = canonical

	w.mu.Lock()
	box, ok := w.boxes[canonical]
	if !ok {
		box = make(chan models.Response, DefaultMailboxSize)
		w.boxes[canonical] = box
		w.wg.Add(1)
		go w.consume(ctx, canonical, box)
	}
	w.mu.Unlock()

	select {
	case box <- resp:
	default:
		// A full mailbox means the identity is flooding; drop rather than
		// stall every other identity, but tell the sender what happened.
		slog.Warn("Worker.route mailbox full, dropping message", "identity", canonical)
		go func() {
			if err := w.svc.SendMessage(ctx, canonical, MailboxFullReply); err != nil {
				slog.Error("Worker.route failed to send mailbox-full notice", "identity", canonical, "error", err)
			}
		}()
	}
}

// consume processes one identity's mailbox serially.
func (w *Worker) consume(ctx context.Context, identity string, box <-chan models.Response) {
	defer w.wg.Done()
	for resp := range box {
		for _, reply := range w.handle(ctx, resp) {
			if reply == "" {
				continue
			}
			if err := w.svc.SendMessage(ctx, identity, reply); err != nil {
				slog.Error("Worker.consume failed to send reply", "identity", identity, "error", err)
			}
		}
	}
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	for _, box := range w.boxes {
		close(box)
	}
	w.boxes = make(map[string]chan models.Response)
	w.mu.Unlock()
	w.wg.Wait()
	slog.Info("Worker.Run drained all mailboxes")
}
