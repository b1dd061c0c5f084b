package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/onnwee/intent-radar/telemetry"
)

// LLM defaults.
const (
	DefaultBatchSize = 50
	DefaultMaxDrafts = 20
	DefaultModel     = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
)

// Tier confidences returned by the model.
var tierConfidence = map[string]float64{
	"high":   0.95,
	"medium": 0.8,
	"low":    0.6,
}

// LLMConfig configures the LLM classifier.
type LLMConfig struct {
	APIKey        string
	BaseURL       string // empty uses the OpenAI default
	Model         string
	SellerContext string
	CallDelay     time.Duration // minimum gap between successive calls
	BatchSize     int
	MaxDrafts     int
	Timeout       time.Duration
}

// LLM classifies chat through an OpenAI-compatible chat completion API and
// drafts outreach for captured intents.
type LLM struct {
	client    *openai.Client
	model     string
	seller    string
	batchSize int
	maxDrafts int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewLLM returns an LLM classifier for cfg.
func NewLLM(cfg LLMConfig) *LLM {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	l := &LLM{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		seller:    cfg.SellerContext,
		batchSize: cfg.BatchSize,
		maxDrafts: cfg.MaxDrafts,
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		logger:    slog.Default().With(slog.String("component", "llm")),
	}
	if l.model == "" {
		l.model = DefaultModel
	}
	if l.batchSize <= 0 || l.batchSize > DefaultBatchSize {
		l.batchSize = DefaultBatchSize
	}
	if l.maxDrafts <= 0 {
		l.maxDrafts = DefaultMaxDrafts
	}
	if l.timeout <= 0 {
		l.timeout = defaultTimeout
	}
	if cfg.CallDelay > 0 {
		l.limiter = rate.NewLimiter(rate.Every(cfg.CallDelay), 1)
	}
	return l
}

// BatchSize is the maximum number of messages sent per request.
func (l *LLM) BatchSize() int { return l.batchSize }

const classifyPrompt = `You review chat from a live shopping stream and flag messages from viewers who want to buy.
%s
Each input item is {"index", "username", "message"}.
Reply with JSON only, no prose: an array of {"index": number, "confidence": "high"|"medium"|"low", "item": string, "details": string, "category": "claim"|"size_request"|"price"|"shipping"|"payment"|"urgency"|"purchase"}.
Include only messages showing purchase intent. Return [] if none do.`

// llmFlag is one flagged message in the model's reply.
type llmFlag struct {
	Index      int    `json:"index"`
	Confidence string `json:"confidence"`
	Item       string `json:"item"`
	Details    string `json:"details"`
	Category   string `json:"category"`
}

// Classify implements Classifier with a single-item batch.
func (l *LLM) Classify(ctx context.Context, message string) (Classification, error) {
	out, err := l.ClassifyBatch(ctx, []Item{{Index: 0, Message: message}})
	if err != nil {
		return Classification{}, err
	}
	return out[0], nil
}

// ClassifyBatch implements BatchClassifier. Items beyond the batch size are
// sent in further requests; any failed request fails the whole call.
func (l *LLM) ClassifyBatch(ctx context.Context, items []Item) ([]Classification, error) {
	out := make([]Classification, len(items))
	for i := range out {
		out[i] = NotBuyer()
	}
	offset := 0
	for _, chunk := range Batches(items, l.batchSize) {
		if err := l.classifyChunk(ctx, chunk, out[offset:offset+len(chunk)]); err != nil {
			return nil, err
		}
		offset += len(chunk)
	}
	return out, nil
}

func (l *LLM) classifyChunk(ctx context.Context, chunk []Item, out []Classification) error {
	// Renumber so the model's indices map straight onto out.
	req := make([]Item, len(chunk))
	for i, it := range chunk {
		req[i] = Item{Index: i, Username: it.Username, Message: it.Message}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	seller := ""
	if l.seller != "" {
		seller = "Seller context: " + l.seller
	}
	reply, err := l.complete(ctx, "classify", fmt.Sprintf(classifyPrompt, seller), string(payload), 0.1, 1500)
	if err != nil {
		return err
	}
	raw, err := ExtractJSON(reply)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	flags, err := decodeFlags(raw)
	if err != nil {
		return fmt.Errorf("classify: decode reply: %w", err)
	}
	for _, f := range flags {
		if f.Index < 0 || f.Index >= len(out) {
			l.logger.Debug("ignoring out-of-range index", slog.Int("index", f.Index))
			continue
		}
		conf, ok := tierConfidence[strings.ToLower(strings.TrimSpace(f.Confidence))]
		if !ok {
			conf = tierConfidence["low"]
		}
		reason := "llm: " + strings.ToLower(f.Confidence)
		out[f.Index] = Classification{
			IsBuyer:    true,
			Confidence: conf,
			Category:   ParseCategory(f.Category),
			Reason:     &reason,
			ItemWanted: f.Item,
			Details:    f.Details,
		}
	}
	return nil
}

const draftPrompt = `You help a live shopping seller follow up with interested viewers.
%s
Write one short, casual, friendly direct message (under 240 characters) to the viewer below. No hashtags, no quotes, no sign-off.`

// Draft writes an outreach message for one intent.
func (l *LLM) Draft(ctx context.Context, bi BuyerIntent) (string, error) {
	seller := ""
	if l.seller != "" {
		seller = "Seller context: " + l.seller
	}
	user := fmt.Sprintf("Viewer: %s\nTheir message: %s", bi.Username, bi.Message)
	if bi.ItemWanted != "" {
		user += "\nItem: " + bi.ItemWanted
	}
	reply, err := l.complete(ctx, "draft", fmt.Sprintf(draftPrompt, seller), user, 0.7, 120)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(reply), `"`), nil
}

// DraftOutreach fills Outreach for the first MaxDrafts intents in order.
// Failures are logged and leave the draft empty; it returns the number drafted.
func (l *LLM) DraftOutreach(ctx context.Context, intents []BuyerIntent) int {
	drafted := 0
	for i := range intents {
		if i >= l.maxDrafts {
			break
		}
		msg, err := l.Draft(ctx, intents[i])
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Warn("draft failed", slog.String("username", intents[i].Username), slog.Any("err", err))
			continue
		}
		intents[i].Outreach = msg
		drafted++
	}
	return drafted
}

var errEmptyReply = errors.New("no response choices")

// complete waits for the pacing limiter and performs one chat completion.
func (l *LLM) complete(ctx context.Context, op, system, user string, temperature float32, maxTokens int) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%s: wait for rate limit: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err == nil && len(resp.Choices) == 0 {
		err = errEmptyReply
	}
	telemetry.CountLLM(op, err)
	if err != nil {
		return "", fmt.Errorf("%s: chat completion: %w", op, err)
	}
	return resp.Choices[0].Message.Content, nil
}
