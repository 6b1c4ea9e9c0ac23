// Package intent classifies free-form user messages into flow intents.
//
// The primary classifier calls the OpenAI chat completion API with a strict
// JSON-output instruction; a keyword-based static classifier backs tests and
// offline operation.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Intent names the flow a message asks for.
type Intent string

const (
	IntentRegister         Intent = "register"
	IntentLogin            Intent = "login"
	IntentLogout           Intent = "logout"
	IntentBrowseProducts   Intent = "browse_products"
	IntentBrowseDoctors    Intent = "browse_doctors"
	IntentBrowseLabTests   Intent = "browse_labtests"
	IntentBrowseSlots      Intent = "browse_appointments"
	IntentAddToCart        Intent = "add_to_cart"
	IntentViewCart         Intent = "view_cart"
	IntentPlaceOrder       Intent = "place_order"
	IntentBookAppointment  Intent = "book_appointment"
	IntentSupport          Intent = "support"
	IntentAttachDocument   Intent = "attach_document"
	IntentHelp             Intent = "help"
	IntentUnknown          Intent = "unknown"
)

// Classification is the outcome of classifying one message.
type Classification struct {
	Intent     Intent            `json:"intent"`
	Params     map[string]string `json:"params,omitempty"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"-"`
}

// Classifier turns a raw user message into a Classification.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// chatService is the minimal chat completion surface, extracted for mocking.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type openaiChat struct {
	client openai.Client
}

func (c *openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

const systemPrompt = `You classify messages sent to a pharmacy assistant.
Respond with a single JSON object and nothing else:
{"intent": "<name>", "params": {...}, "confidence": <0..1>}
Valid intents: register, login, logout, browse_products, browse_doctors,
browse_labtests, browse_appointments, add_to_cart, view_cart, place_order,
book_appointment, support, attach_document, help, unknown.
Put any search query in params.query and any quantity in params.quantity.
Use "unknown" when unsure.`

// Opts holds optional OpenAI classifier configuration.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures the OpenAI classifier.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// OpenAIClassifier classifies via the OpenAI chat completion API.
type OpenAIClassifier struct {
	chat  chatService
	model string
}

// NewOpenAIClassifier creates a classifier backed by the OpenAI API.
func NewOpenAIClassifier(opts ...Option) (*OpenAIClassifier, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &OpenAIClassifier{chat: &openaiChat{client: client}, model: cfg.Model}, nil
}

// Classify sends the message for classification. API failures are transient
// so the retry executor can re-drive them; an unparseable reply degrades to
// IntentUnknown instead of failing the event.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return Classification{}, models.Transient("intent.Classify", err)
	}
	if len(resp.Choices) == 0 {
		return Classification{}, models.Transient("intent.Classify", fmt.Errorf("no choices returned"))
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.Trim(raw, "` \n")
	var out Classification
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("OpenAIClassifier.Classify: unparseable reply, treating as unknown", "error", err, "reply", raw)
		return Classification{Intent: IntentUnknown, Source: "llm"}, nil
	}
	if out.Intent == "" {
		out.Intent = IntentUnknown
	}
	out.Source = "llm"
	slog.Debug("OpenAIClassifier.Classify classified message", "intent", out.Intent, "confidence", out.Confidence)
	return out, nil
}

// StaticClassifier matches leading keywords. It backs tests and lets the
// engine run without an API key.
type StaticClassifier struct{}

var keywordIntents = []struct {
	prefix string
	intent Intent
}{
	{"register", IntentRegister},
	{"sign up", IntentRegister},
	{"login", IntentLogin},
	{"log in", IntentLogin},
	{"logout", IntentLogout},
	{"log out", IntentLogout},
	{"products", IntentBrowseProducts},
	{"medicines", IntentBrowseProducts},
	{"doctors", IntentBrowseDoctors},
	{"lab tests", IntentBrowseLabTests},
	{"labtests", IntentBrowseLabTests},
	{"appointments", IntentBrowseSlots},
	{"slots", IntentBrowseSlots},
	{"add", IntentAddToCart},
	{"cart", IntentViewCart},
	{"order", IntentPlaceOrder},
	{"checkout", IntentPlaceOrder},
	{"book", IntentBookAppointment},
	{"support", IntentSupport},
	{"agent", IntentSupport},
	{"attach", IntentAttachDocument},
	{"help", IntentHelp},
}

// Classify matches the message against the keyword table.
func (StaticClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	msg := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range keywordIntents {
		if !strings.HasPrefix(msg, kw.prefix) {
			continue
		}
		out := Classification{Intent: kw.intent, Confidence: 1, Source: "static"}
		if rest := strings.TrimSpace(strings.TrimPrefix(msg, kw.prefix)); rest != "" {
			out.Params = map[string]string{"query": rest}
		}
		return out, nil
	}
	return Classification{Intent: IntentUnknown, Source: "static"}, nil
}
