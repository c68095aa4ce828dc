package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sablecore/aegis/internal/backoff"
	"github.com/sablecore/aegis/internal/engineerr"
	"github.com/sablecore/aegis/internal/playbooks"
	"github.com/sablecore/aegis/pkg/models"
)

// providerRetryAttempts bounds how many times a transient provider
// connection error (classified via engineerr) is retried with exponential
// backoff before consumeCompletion gives up and lets the resilience
// protocol's step-level recovery paths take over.
const providerRetryAttempts = 3

// stepRecord captures one completed generation step: any interstitial
// text, the tool calls the model requested, and the tool results returned
// for them. Capturing steps as they run lets a later failure salvage what
// already happened instead of starting over from the raw prompt.
type stepRecord struct {
	text        string
	toolCalls   []models.ToolCall
	toolResults []models.ToolResult
}

// generationResult is the outcome of runGeneration, after the resilience
// protocol has had a chance to repair a suspect raw result.
type generationResult struct {
	text          string
	toolsUsed     []string
	steps         int
	capturedSteps []stepRecord
}

// generationParams bundles one call to runGeneration.
type generationParams struct {
	system        string
	messages      []CompletionMessage
	tools         []Tool
	maxSteps      int
	toolChoice    string
	lowerTemp     bool
	matched       []*playbooks.Playbook
	selectedSet   map[string]bool
	lastAssistant string
}

const (
	defaultTemperature = 0.7
	retryTemperature   = 0.5
)

// runGeneration drives the primary generation call and, on failure or
// suspect output, the resilience protocol's recovery paths.
func (e *Engine) runGeneration(ctx context.Context, p generationParams) (*generationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.GenerationDeadline)
	defer cancel()

	temp := defaultTemperature
	if p.lowerTemp {
		temp = e.config.TemperatureCap
	}

	steps, finalText, toolsUsed, genErr := e.reactLoop(ctx, p.system, p.messages, p.tools, p.toolChoice, temp, p.maxSteps)

	if genErr != nil {
		return e.recoverFromToolCallError(ctx, p, steps, genErr)
	}

	if len(toolsUsed) == 0 && finalText != "" {
		if name, rawArgs, ok := detectLeakedToolCall(finalText, p.selectedSet); ok {
			return e.recoverLeakedToolCall(ctx, p, steps, name, rawArgs, finalText)
		}
		if looksLikeHallucinatedAction(finalText) {
			return e.recoverHallucinatedAction(ctx, p)
		}
		if looksLikeRefusal(p) && refusalTextMatches(finalText) {
			return e.recoverToolRefusal(ctx, p)
		}
	}

	if len(toolsUsed) == 0 && finalText == "" && looksLikeRefusal(p) {
		return e.recoverToolRefusal(ctx, p)
	}

	if finalText == "" && len(steps) > 0 {
		return e.recoverSilentCompletion(ctx, p, steps, toolsUsed)
	}

	if finalText == "" && len(toolsUsed) == 0 && len(steps) == 0 {
		e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
		return nil, engineerr.Wrap(engineerr.KindRefusal, fmt.Errorf("model returned no text and no tool calls"))
	}

	return &generationResult{text: finalText, toolsUsed: toolsUsed, steps: len(steps), capturedSteps: steps}, nil
}

// reactLoop runs the native tool-calling loop: call the model, execute any
// requested tool calls, feed results back as the next message, repeat
// until the model stops calling tools or maxSteps is reached.
func (e *Engine) reactLoop(ctx context.Context, system string, messages []CompletionMessage, tools []Tool, toolChoice string, temperature float64, maxSteps int) ([]stepRecord, string, []string, error) {
	var steps []stepRecord
	var toolsUsed []string
	seenTools := make(map[string]bool)
	working := append([]CompletionMessage(nil), messages...)

	effectiveSystem := system
	if toolChoice == "required" {
		effectiveSystem += "\n\nYou must call one of the available tools in this step; do not reply with plain text only."
	}

	var lastText string

	for step := 0; step < maxSteps; step++ {
		req := &CompletionRequest{
			System:      effectiveSystem,
			Messages:    working,
			Tools:       tools,
			Temperature: temperature,
			ToolChoice:  toolChoice,
			MaxTokens:   4096,
		}

		text, calls, tokens, err := e.consumeCompletion(ctx, req)
		e.costMonitor.RecordUsage(int64(tokens.prompt), int64(tokens.completion))
		e.recordUsage(e.provider.Name(), tokens)
		if err != nil {
			return steps, lastText, toolsUsed, err
		}
		lastText = text

		if len(calls) == 0 {
			steps = append(steps, stepRecord{text: text})
			return steps, text, toolsUsed, nil
		}

		results := e.executor.ExecuteConcurrently(ctx, calls, nil)
		toolResults := make([]models.ToolResult, len(results))
		for i, r := range results {
			toolResults[i] = r.Result
			if !seenTools[r.ToolCall.Name] {
				seenTools[r.ToolCall.Name] = true
				toolsUsed = append(toolsUsed, r.ToolCall.Name)
			}
		}

		steps = append(steps, stepRecord{text: text, toolCalls: calls, toolResults: toolResults})

		working = append(working, CompletionMessage{Role: "assistant", Content: text, ToolCalls: calls})
		working = append(working, CompletionMessage{Role: "tool", ToolResults: toolResults})

		// Only the first step honours an explicit "required" choice; after
		// tools have run once, let the model decide whether to continue.
		toolChoice = "auto"
		effectiveSystem = system
	}

	return steps, lastText, toolsUsed, nil
}

type tokenUsage struct {
	prompt     int
	completion int
}

// connectWithRetry opens a provider completion stream, retrying a bounded
// number of times with exponential backoff when the failure classifies as
// transient (network blip, provider 5xx). Any other classification fails
// immediately since retrying it would not change the outcome.
func (e *Engine) connectWithRetry(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	policy := backoff.DefaultPolicy()
	var lastErr error
	for attempt := 1; attempt <= providerRetryAttempts; attempt++ {
		if err := e.waitForProviderLimiter(ctx); err != nil {
			return nil, err
		}
		ch, err := e.provider.Complete(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if engineerr.Classify(err) != engineerr.KindTransient || attempt == providerRetryAttempts {
			return nil, err
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, policy, attempt); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

// waitForProviderLimiter blocks until the provider rate limiter has a token
// available, or ctx is canceled. A nil limiter (rate limiting disabled)
// never blocks.
func (e *Engine) waitForProviderLimiter(ctx context.Context) error {
	if e.providerLimiter == nil {
		return nil
	}
	for !e.providerLimiter.Allow() {
		wait := e.providerLimiter.WaitTime()
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// consumeCompletion drains one provider completion into its accumulated
// text and any tool calls.
func (e *Engine) consumeCompletion(ctx context.Context, req *CompletionRequest) (string, []models.ToolCall, tokenUsage, error) {
	ch, err := e.connectWithRetry(ctx, req)
	if err != nil {
		return "", nil, tokenUsage{}, err
	}

	var text strings.Builder
	var calls []models.ToolCall
	var usage tokenUsage

	for chunk := range ch {
		if chunk.Error != nil {
			return text.String(), calls, usage, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage.prompt = chunk.InputTokens
			usage.completion = chunk.OutputTokens
		}
	}

	return text.String(), calls, usage, nil
}

// recoverFromToolCallError handles malformed tool-call JSON, unknown tool
// names, or argument validation failures: one retry from the captured step
// state with slightly higher temperature and a clarifying assistant turn
// echoing the error; if that also fails and a prior assistant text turn
// exists, one further retry rephrases the user's message with that text as
// context.
func (e *Engine) recoverFromToolCallError(ctx context.Context, p generationParams, steps []stepRecord, cause error) (*generationResult, error) {
	clarifying := CompletionMessage{
		Role:    "assistant",
		Content: fmt.Sprintf("My previous tool call failed: %v. Let me try again with corrected arguments.", cause),
	}
	retryMessages := append(append([]CompletionMessage(nil), p.messages...), clarifying)

	retrySteps, text, toolsUsed, err := e.reactLoop(ctx, p.system, retryMessages, p.tools, "auto", retryTemperature, p.maxSteps)
	if err == nil {
		all := append(steps, retrySteps...)
		return &generationResult{text: text, toolsUsed: toolsUsed, steps: len(all), capturedSteps: all}, nil
	}

	if p.lastAssistant != "" {
		rephrase := append([]CompletionMessage(nil), p.messages...)
		rephrase = append(rephrase, CompletionMessage{
			Role:    "assistant",
			Content: p.lastAssistant,
		})
		finalSteps, text2, toolsUsed2, err2 := e.reactLoop(ctx, p.system, rephrase, p.tools, "auto", retryTemperature, p.maxSteps)
		if err2 == nil {
			all := append(append(steps, retrySteps...), finalSteps...)
			return &generationResult{text: text2, toolsUsed: toolsUsed2, steps: len(all), capturedSteps: all}, nil
		}
		e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
		return nil, engineerr.Wrap(engineerr.KindToolFormat, err2)
	}

	e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
	return nil, engineerr.Wrap(engineerr.KindToolFormat, err)
}

// recoverLeakedToolCall executes a tool call the model emitted as text
// instead of a structured call. If the leading text before the pattern is
// useful, it's kept as the response preamble; otherwise a cheap follow-up
// call summarizes the tool result.
func (e *Engine) recoverLeakedToolCall(ctx context.Context, p generationParams, steps []stepRecord, name, rawArgs, fullText string) (*generationResult, error) {
	params, _ := json.Marshal(map[string]string{"raw_args": rawArgs})
	call := models.ToolCall{ID: "leaked-1", Name: name, Input: params}

	results := e.executor.ExecuteConcurrently(ctx, []models.ToolCall{call}, nil)
	toolResult := results[0].Result

	preamble := strings.TrimSpace(toolCallLeakPattern.ReplaceAllString(fullText, ""))

	text := preamble
	if text == "" {
		summary, _, usage, err := e.consumeCompletion(ctx, &CompletionRequest{
			System: "Summarize the following tool result for the user in one or two sentences.",
			Messages: []CompletionMessage{
				{Role: "user", Content: toolResult.Content},
			},
			Temperature: retryTemperature,
			MaxTokens:   512,
		})
		e.costMonitor.RecordUsage(int64(usage.prompt), int64(usage.completion))
		e.recordUsage(e.provider.Name(), usage)
		if err == nil {
			text = summary
		} else {
			text = toolResult.Content
		}
	}

	step := stepRecord{text: text, toolCalls: []models.ToolCall{call}, toolResults: []models.ToolResult{toolResult}}
	all := append(steps, step)
	return &generationResult{text: text, toolsUsed: []string{name}, steps: len(all), capturedSteps: all}, nil
}

// recoverHallucinatedAction handles a model response whose text claims an
// action was taken despite no tool calls: one retry with tool-choice
// required and a lowered temperature; if that still produces no tool
// calls, overwrite the response with a neutral disclaimer.
func (e *Engine) recoverHallucinatedAction(ctx context.Context, p generationParams) (*generationResult, error) {
	steps, text, toolsUsed, err := e.reactLoop(ctx, p.system, p.messages, p.tools, "required", e.config.TemperatureCap, p.maxSteps)
	if err != nil {
		e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
		return nil, engineerr.Wrap(engineerr.KindRefusal, err)
	}
	if len(toolsUsed) == 0 {
		text = "I wasn't able to complete this action."
		if len(steps) > 0 {
			steps[len(steps)-1].text = text
		} else {
			steps = append(steps, stepRecord{text: text})
		}
	}
	return &generationResult{text: text, toolsUsed: toolsUsed, steps: len(steps), capturedSteps: steps}, nil
}

// recoverToolRefusal handles a model refusal with no tool calls when tools
// were clearly expected: one retry with tool-choice required and maxSteps
// 1, then a follow-up call with tool-choice auto to compose the response.
func (e *Engine) recoverToolRefusal(ctx context.Context, p generationParams) (*generationResult, error) {
	steps, _, toolsUsed, err := e.reactLoop(ctx, p.system, p.messages, p.tools, "required", defaultTemperature, 1)
	if err != nil {
		e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
		return nil, engineerr.Wrap(engineerr.KindRefusal, err)
	}
	if len(toolsUsed) == 0 {
		e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
		return nil, engineerr.Wrap(engineerr.KindRefusal, fmt.Errorf("model refused to call required tools"))
	}

	followUpMessages := append([]CompletionMessage(nil), p.messages...)
	for _, s := range steps {
		followUpMessages = append(followUpMessages, CompletionMessage{Role: "assistant", Content: s.text, ToolCalls: s.toolCalls})
		followUpMessages = append(followUpMessages, CompletionMessage{Role: "tool", ToolResults: s.toolResults})
	}

	finalSteps, text, moreTools, err := e.reactLoop(ctx, p.system, followUpMessages, p.tools, "auto", defaultTemperature, p.maxSteps)
	if err != nil {
		e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
		return nil, engineerr.Wrap(engineerr.KindRefusal, err)
	}

	all := append(steps, finalSteps...)
	allTools := mergeUnique(toolsUsed, moreTools)
	return &generationResult{text: text, toolsUsed: allTools, steps: len(all), capturedSteps: all}, nil
}

// recoverSilentCompletion handles a completion with no text but completed
// tool calls: use the last step's text if any step has some, otherwise
// summarize the truncated tool results via a minimal follow-up prompt, and
// fall back to the raw truncated results if even that fails.
func (e *Engine) recoverSilentCompletion(ctx context.Context, p generationParams, steps []stepRecord, toolsUsed []string) (*generationResult, error) {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].text != "" {
			return &generationResult{text: steps[i].text, toolsUsed: toolsUsed, steps: len(steps), capturedSteps: steps}, nil
		}
	}

	var truncated []string
	for _, s := range steps {
		for _, r := range s.toolResults {
			content := r.Content
			if len(content) > 2000 {
				content = content[:2000]
			}
			truncated = append(truncated, content)
		}
	}
	combined := strings.Join(truncated, "\n---\n")

	summary, _, usage, err := e.consumeCompletion(ctx, &CompletionRequest{
		System: "Summarize the following tool results into a single user-facing message.",
		Messages: []CompletionMessage{
			{Role: "user", Content: combined},
		},
		Temperature: retryTemperature,
		MaxTokens:   512,
	})
	e.costMonitor.RecordUsage(int64(usage.prompt), int64(usage.completion))
	e.recordUsage(e.provider.Name(), usage)
	if err != nil {
		return &generationResult{text: combined, toolsUsed: toolsUsed, steps: len(steps), capturedSteps: steps}, nil
	}
	return &generationResult{text: summary, toolsUsed: toolsUsed, steps: len(steps), capturedSteps: steps}, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i (can'?t|cannot|am unable to|won'?t) (help|do|assist|complete)`),
	regexp.MustCompile(`(?i)i'?m not able to`),
}

// looksLikeRefusal reports whether the engine expected tool use for this
// turn (a playbook matched requiring tools, or tools were selected beyond
// the core set) so an empty, toolless response should be treated as a
// refusal rather than a legitimate conversational reply.
func looksLikeRefusal(p generationParams) bool {
	if len(p.matched) > 0 {
		return true
	}
	return len(p.selectedSet) > 0
}

// refusalTextMatches reports whether text reads like a model declining to
// act ("I can't help with that") rather than a genuine answer, so a
// non-empty toolless response can still trigger the refusal recovery path.
func refusalTextMatches(text string) bool {
	for _, pattern := range refusalPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
