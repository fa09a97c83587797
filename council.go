package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine runs the three deliberation stages against the shared model
// client. It holds no per-run state; everything per-run flows through
// arguments and return values.
type Engine struct {
	client *Client
	cfg    *Config
	logger *zap.Logger
}

// NewEngine wires the stage runner to its collaborators.
func NewEngine(client *Client, cfg *Config, logger *zap.Logger) *Engine {
	return &Engine{client: client, cfg: cfg, logger: logger}
}

// buildContextMessages condenses prior turns into chat messages so the
// council has conversation memory. Only the final Stage 3 answer of
// prior assistant turns is included, capped at the most recent
// MaxContextMessages, to keep context compact and avoid leaking
// intermediate deliberation.
func (e *Engine) buildContextMessages(history []Message, userQuery string) []ChatMessage {
	recent := history
	if len(recent) > e.cfg.MaxContextMessages {
		recent = recent[len(recent)-e.cfg.MaxContextMessages:]
	}

	var messages []ChatMessage
	for _, msg := range recent {
		switch {
		case msg.Role == "user":
			messages = append(messages, ChatMessage{Role: "user", Content: msg.Content})
		case msg.Role == "assistant" && msg.Stage3 != nil:
			messages = append(messages, ChatMessage{Role: "assistant", Content: msg.Stage3.Response})
		}
	}

	return append(messages, ChatMessage{Role: "user", Content: userQuery})
}

// queryWithRetry wraps a single model call in the retry policy. The
// client itself never retries; backoff only applies to failures the
// classification marks retryable.
func (e *Engine) queryWithRetry(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (*ModelReply, error) {
	var reply *ModelReply
	err := retryWithBackoff(ctx, e.logger, "query_model:"+model,
		e.cfg.RetryAttempts, e.cfg.RetryBackoffBase, e.cfg.RetryJitter,
		IsRetryableModelError,
		func() error {
			var err error
			reply, err = e.client.Query(ctx, model, messages, timeout)
			return err
		})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// CollectResponses is Stage 1: fan the question out to every council
// member concurrently and gather each answer or classified failure.
// The returned slice is in council order regardless of completion
// order; each goroutine writes only its own slot.
func (e *Engine) CollectResponses(ctx context.Context, council Council, history []Message, userQuery string) []Stage1Response {
	start := time.Now()
	messages := e.buildContextMessages(history, userQuery)
	results := make([]Stage1Response, len(council.Members))

	g, gctx := errgroup.WithContext(ctx)
	for i, model := range council.Members {
		i, model := i, model
		g.Go(func() error {
			callStart := time.Now()
			reply, err := e.queryWithRetry(gctx, model, messages, e.cfg.RequestTimeout)
			latency := time.Since(callStart).Milliseconds()

			if err != nil {
				results[i] = Stage1Response{Model: model, Error: errorText(err), LatencyMS: latency}
				return nil
			}
			results[i] = Stage1Response{Model: model, Response: reply.Content, OK: true, LatencyMS: latency}
			return nil
		})
	}
	_ = g.Wait() // workers capture failures instead of returning them

	e.logger.Info("stage1 complete",
		zap.Int("member_count", len(council.Members)),
		zap.Int("success_count", len(successfulResponses(results))),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))

	return results
}

// successfulResponses filters Stage 1 output down to the set later
// stages operate on, preserving council order.
func successfulResponses(results []Stage1Response) []Stage1Response {
	var ok []Stage1Response
	for _, r := range results {
		if r.OK {
			ok = append(ok, r)
		}
	}
	return ok
}

// buildRankingPrompt renders the anonymized responses, in ascending
// label order, into the Stage 2 evaluation prompt. Only labels appear;
// the prompt never contains a model identifier.
func buildRankingPrompt(userQuery string, assignment *LabelAssignment) string {
	var responsesText strings.Builder
	for _, label := range assignment.Labels() {
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", label, assignment.Text(label))
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())
}

// CollectRankings is Stage 2: every successful Stage 1 member ranks the
// anonymized responses. A member whose call fails or whose output
// cannot be parsed into a valid permutation is excluded from
// aggregation but does not fail the stage. Results are in the same
// stable order as the successful Stage 1 responses.
func (e *Engine) CollectRankings(ctx context.Context, userQuery string, successes []Stage1Response, assignment *LabelAssignment) []Stage2Ranking {
	start := time.Now()
	prompt := buildRankingPrompt(userQuery, assignment)
	messages := []ChatMessage{{Role: "user", Content: prompt}}

	results := make([]Stage2Ranking, len(successes))
	g, gctx := errgroup.WithContext(ctx)
	for i, respondent := range successes {
		i := i
		model := respondent.Model
		g.Go(func() error {
			reply, err := e.queryWithRetry(gctx, model, messages, e.cfg.RequestTimeout)
			if err != nil {
				results[i] = Stage2Ranking{Model: model, Error: errorText(err)}
				return nil
			}

			parsed, err := ParseRanking(reply.Content, assignment.Labels())
			if err != nil {
				results[i] = Stage2Ranking{Model: model, Ranking: reply.Content, Error: errorText(err)}
				return nil
			}
			results[i] = Stage2Ranking{Model: model, Ranking: reply.Content, ParsedRanking: parsed, OK: true}
			return nil
		})
	}
	_ = g.Wait()

	validCount := 0
	for _, r := range results {
		if r.OK {
			validCount++
		}
	}
	e.logger.Info("stage2 complete",
		zap.Int("ranker_count", len(successes)),
		zap.Int("valid_count", validCount),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))

	return results
}

// ParseError marks Stage 2 output that could not be turned into a valid
// permutation of the visible labels.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "unparseable ranking: " + e.Reason
}

var (
	rankingHeaderRe  = regexp.MustCompile(`(?i)final ranking\s*:`)
	labelMentionRe   = regexp.MustCompile(`Response\s+([A-Z])\b`)
	numberedItemRe   = regexp.MustCompile(`(?m)^\s*\d+[.)]\s*(?:Response\s+)?([A-Z])\b`)
	chainSeparatorRe = regexp.MustCompile(`\s*>\s*`)
	bareLetterLineRe = regexp.MustCompile(`(?m)^\s*([A-Z])\s*$`)
)

// ParseRanking extracts an ordered ranking of labels from free-form
// model output. It is deliberately tolerant: numbered lists
// ("1. Response B"), plain label mentions, "B > A > C" chains, and
// bare letters on their own lines are all accepted. The result must be
// a full permutation of the visible labels; anything else is a
// *ParseError. Pure function, no I/O.
func ParseRanking(text string, labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, &ParseError{Reason: "no labels to rank"}
	}

	// Prefer the text after a FINAL RANKING header when present, but
	// fall back to scanning the whole reply like the looser formats
	// models actually produce.
	sections := []string{text}
	if loc := rankingHeaderRe.FindStringIndex(text); loc != nil {
		sections = []string{text[loc[1]:], text}
	}

	for _, section := range sections {
		for _, extract := range []func(string) []string{
			extractNumberedLabels,
			extractLabelMentions,
			extractChainLabels,
			extractBareLetterLabels,
		} {
			candidate := normalizeRanking(extract(section), labels)
			if len(candidate) == len(labels) {
				return candidate, nil
			}
		}
	}

	return nil, &ParseError{Reason: fmt.Sprintf("no permutation of %d labels found", len(labels))}
}

func extractNumberedLabels(text string) []string {
	var out []string
	for _, m := range numberedItemRe.FindAllStringSubmatch(text, -1) {
		out = append(out, labelPrefix+m[1])
	}
	return out
}

func extractLabelMentions(text string) []string {
	var out []string
	for _, m := range labelMentionRe.FindAllStringSubmatch(text, -1) {
		out = append(out, labelPrefix+m[1])
	}
	return out
}

// extractChainLabels handles "B > A > C" style orderings.
func extractChainLabels(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, ">") {
			continue
		}
		var chain []string
		for _, token := range chainSeparatorRe.Split(strings.TrimSpace(line), -1) {
			token = strings.TrimPrefix(strings.TrimSpace(token), labelPrefix)
			if len(token) == 1 && token[0] >= 'A' && token[0] <= 'Z' {
				chain = append(chain, labelPrefix+token)
			} else {
				chain = nil
				break
			}
		}
		if len(chain) > 1 {
			out = append(out, chain...)
		}
	}
	return out
}

func extractBareLetterLabels(text string) []string {
	var out []string
	for _, m := range bareLetterLineRe.FindAllStringSubmatch(text, -1) {
		out = append(out, labelPrefix+m[1])
	}
	return out
}

// normalizeRanking deduplicates (first occurrence wins) and drops
// anything outside the visible label set.
func normalizeRanking(candidates []string, labels []string) []string {
	valid := make(map[string]bool, len(labels))
	for _, label := range labels {
		valid[label] = true
	}

	var out []string
	seen := make(map[string]bool, len(labels))
	for _, c := range candidates {
		if valid[c] && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// AggregateRankings combines all valid Stage 2 rankings into one total
// order using a Borda count: in a ranking of k labels the first earns
// k-1 points and the last 0. Labels sort by descending score with ties
// broken by ascending label, so equal scores always resolve the same
// way. When no valid ranking survives, the aggregate falls back to the
// stable Stage 1 order and the fallback flag is set. Deterministic for
// a fixed input.
func AggregateRankings(rankings []Stage2Ranking, assignment *LabelAssignment) ([]AggregateRanking, bool) {
	labels := assignment.Labels()
	k := len(labels)

	scores := make(map[string]int, k)
	counts := make(map[string]int, k)
	validRankings := 0
	for _, ranking := range rankings {
		if !ranking.OK {
			continue
		}
		validRankings++
		for position, label := range ranking.ParsedRanking {
			scores[label] += k - 1 - position
			counts[label]++
		}
	}

	if validRankings == 0 {
		fallback := make([]AggregateRanking, 0, k)
		for _, label := range assignment.Stage1Order() {
			model, _ := assignment.Model(label)
			fallback = append(fallback, AggregateRanking{Label: label, Model: model})
		}
		return fallback, true
	}

	aggregate := make([]AggregateRanking, 0, k)
	for _, label := range labels {
		model, _ := assignment.Model(label)
		aggregate = append(aggregate, AggregateRanking{
			Label:         label,
			Model:         model,
			Score:         scores[label],
			RankingsCount: counts[label],
		})
	}

	sort.Slice(aggregate, func(i, j int) bool {
		if aggregate[i].Score != aggregate[j].Score {
			return aggregate[i].Score > aggregate[j].Score
		}
		return aggregate[i].Label < aggregate[j].Label
	})

	return aggregate, false
}

// buildChairmanPrompt renders the Stage 3 synthesis prompt. Responses
// appear in aggregate order, best first, identified only by label.
func buildChairmanPrompt(userQuery string, aggregate []AggregateRanking, assignment *LabelAssignment) string {
	var responsesText strings.Builder
	for _, entry := range aggregate {
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", entry.Label, assignment.Text(entry.Label))
	}

	var rankingText strings.Builder
	for i, entry := range aggregate {
		fmt.Fprintf(&rankingText, "%d. %s (%d points from %d rankings)\n",
			i+1, entry.Label, entry.Score, entry.RankingsCount)
	}

	return fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses anonymously.

Original Question: %s

INDIVIDUAL RESPONSES (ordered best to worst by the council's aggregate ranking):

%s
AGGREGATE RANKING:
%s
Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The aggregate ranking and what it reveals about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`,
		userQuery, responsesText.String(), rankingText.String())
}

// Synthesize is Stage 3: a single chairman call over the question, the
// anonymized responses in aggregate order, and the aggregate ranking.
// Failure here is fatal to the run; there is no meaningful fallback.
func (e *Engine) Synthesize(ctx context.Context, council Council, userQuery string, aggregate []AggregateRanking, assignment *LabelAssignment) (*Stage3Response, error) {
	start := time.Now()
	prompt := buildChairmanPrompt(userQuery, aggregate, assignment)
	messages := []ChatMessage{{Role: "user", Content: prompt}}

	reply, err := e.queryWithRetry(ctx, council.Chairman, messages, e.cfg.RequestTimeout)
	if err != nil {
		e.logger.Warn("stage3 failed",
			zap.String("chairman", council.Chairman),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			zap.Error(err))
		return nil, fmt.Errorf("chairman model query failed: %w", err)
	}

	e.logger.Info("stage3 complete",
		zap.String("chairman", council.Chairman),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))

	return &Stage3Response{Model: council.Chairman, Response: reply.Content}, nil
}

// GenerateTitle produces a 3-5 word conversation title with the fast
// title model. Quotes are stripped and long titles truncated.
func (e *Engine) GenerateTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []ChatMessage{{Role: "user", Content: titlePrompt}}
	reply, err := e.client.Query(ctx, e.cfg.TitleModel, messages, e.cfg.TitleTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(reply.Content)
	title = strings.Trim(title, "\"'")
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	return title, nil
}

// errorText renders per-member failures for stage payloads, preferring
// the classified user-facing message.
func errorText(err error) string {
	var me *ModelError
	if errors.As(err, &me) {
		return me.UserMessage()
	}
	return err.Error()
}
