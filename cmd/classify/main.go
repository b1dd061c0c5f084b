// Package main provides a CLI that scores chat lines for buyer intent without
// a browser or database. Useful for tuning keywords and prompts against a
// saved chat log.
//
// Usage:
//
//	classify [--llm] [--threshold 0.7] < chat.txt
//
// Each input line is "username: message" or a bare message. One JSON object
// is written per line.
//
// Environment Variables:
//
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL: used with --llm
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/onnwee/intent-radar/config"
	"github.com/onnwee/intent-radar/intent"
)

type result struct {
	Username string `json:"username,omitempty"`
	Message  string `json:"message"`
	Captured bool   `json:"captured"`
	intent.Classification
}

func main() {
	useLLM := flag.Bool("llm", false, "Classify through the configured LLM, falling back to the heuristic")
	threshold := flag.Float64("threshold", intent.DefaultCaptureThreshold, "Confidence at which a buyer message is captured")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	_ = godotenv.Load()

	var classifier intent.Classifier = intent.Heuristic{}
	batchSize := intent.DefaultBatchSize
	if *useLLM {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		if err := cfg.ValidateLLMReady(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		llm := intent.NewLLM(intent.LLMConfig{
			APIKey:        cfg.OpenAIAPIKey,
			BaseURL:       cfg.OpenAIBaseURL,
			Model:         cfg.OpenAIModel,
			SellerContext: cfg.SellerContext,
			BatchSize:     cfg.LLMBatchSize,
		})
		classifier = &intent.Fallback{Primary: llm, Secondary: intent.Heuristic{}}
		batchSize = llm.BatchSize()
	}

	if err := run(context.Background(), classifier, batchSize, *threshold, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run classifies every non-blank line of in and writes one JSON object per line to out.
func run(ctx context.Context, c intent.Classifier, batchSize int, threshold float64, in io.Reader, out io.Writer) error {
	var items []intent.Item
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		user, msg := parseLine(line)
		items = append(items, intent.Item{Index: len(items), Username: user, Message: msg})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	enc := json.NewEncoder(out)
	for _, batch := range intent.Batches(items, batchSize) {
		classes, err := intent.ClassifyAll(ctx, c, batch)
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}
		for i, it := range batch {
			cl := classes[i]
			if err := enc.Encode(result{
				Username:       it.Username,
				Message:        it.Message,
				Captured:       intent.Captures(cl, threshold),
				Classification: cl,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseLine splits "user: message". A line without a colon, or with spaces
// before it, is all message.
func parseLine(line string) (string, string) {
	user, msg, ok := strings.Cut(line, ":")
	if !ok || user == "" || strings.ContainsAny(user, " \t") {
		return "", line
	}
	return user, strings.TrimSpace(msg)
}
