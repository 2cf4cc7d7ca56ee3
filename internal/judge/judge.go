// Package judge evaluates configuration entries against controls with an
// LLM. Rate limiting and retries of a single evaluation live here.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mohans/auditx/internal/compliance"
)

const systemPrompt = `You are an information security auditor. You judge one configuration
item from a device configuration export against one regulatory control.

Answer with a single JSON object and nothing else:
{"status": "<compliant|non_compliant|partially_compliant|not_applicable>", "rationale": "<one or two sentences>"}`

const userPrompt = `Control %s: %s
%s

Configuration item (group %q, name %q):
%s`

// ErrInvalidAnswer is returned when the model reply cannot be read as a verdict.
var ErrInvalidAnswer = errors.New("model returned an unreadable verdict")

// Judge implements compliance.Judge. It is safe for concurrent use; the
// rate limiter is shared by every caller.
type Judge struct {
	model    Generator
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func New(m Generator, cfg Config, log *zap.Logger) *Judge {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Judge{
		model:    m,
		limiter:  rate.NewLimiter(limit, burst),
		attempts: attempts,
		backoff:  cfg.Backoff,
		timeout:  cfg.Timeout,
		log:      log,
	}
}

func (j *Judge) Judge(ctx context.Context, control compliance.Control, entry compliance.Entry) (compliance.Verdict, error) {
	messages, err := buildMessages(control, entry)
	if err != nil {
		return compliance.Verdict{}, err
	}

	var lastErr error
	wait := j.backoff
	for attempt := 1; attempt <= j.attempts; attempt++ {
		if attempt > 1 {
			j.log.Debug("retrying evaluation",
				zap.String("entry", entry.Name), zap.String("control", control.ID),
				zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return compliance.Verdict{}, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		if err := j.limiter.Wait(ctx); err != nil {
			return compliance.Verdict{}, err
		}
		v, err := j.call(ctx, messages)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return compliance.Verdict{}, fmt.Errorf("evaluation failed after %d attempts: %w", j.attempts, lastErr)
}

func (j *Judge) call(ctx context.Context, messages []*schema.Message) (compliance.Verdict, error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	resp, err := j.model.Generate(ctx, messages)
	if err != nil {
		return compliance.Verdict{}, err
	}
	if resp == nil {
		return compliance.Verdict{}, ErrInvalidAnswer
	}
	return parseAnswer(resp.Content)
}

func buildMessages(control compliance.Control, entry compliance.Entry) ([]*schema.Message, error) {
	fields, err := sonic.ConfigStd.MarshalToString(entry.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode entry fields: %w", err)
	}
	desc := control.Description
	if control.Category != "" {
		desc = fmt.Sprintf("[%s] %s", control.Category, desc)
	}
	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf(userPrompt, control.ID, control.Title, desc, entry.Group, entry.Name, fields)),
	}, nil
}

type answer struct {
	Status    string `json:"status"`
	Rationale string `json:"rationale"`
}

// parseAnswer reads the first JSON object in content, tolerating code
// fences and prose around it.
func parseAnswer(content string) (compliance.Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return compliance.Verdict{}, ErrInvalidAnswer
	}
	var a answer
	if err := sonic.UnmarshalString(content[start:end+1], &a); err != nil {
		return compliance.Verdict{}, fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	status, ok := normalizeStatus(a.Status)
	if !ok {
		return compliance.Verdict{}, fmt.Errorf("%w: unknown status %q", ErrInvalidAnswer, a.Status)
	}
	return compliance.Verdict{Status: status, Rationale: strings.TrimSpace(a.Rationale)}, nil
}

func normalizeStatus(s string) (compliance.Judgement, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "compliant", "pass", "passed":
		return compliance.Compliant, true
	case "non_compliant", "noncompliant", "not_compliant", "fail", "failed":
		return compliance.NonCompliant, true
	case "partially_compliant", "partial", "partially":
		return compliance.PartiallyCompliant, true
	case "not_applicable", "n/a", "na":
		return compliance.NotApplicable, true
	}
	return "", false
}
