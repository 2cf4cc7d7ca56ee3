package judge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/auditx/internal/compliance"
)

// scriptedModel replays replies in order; an empty reply means an error.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	calls   int
	prompts [][]*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, input)
	reply := m.replies[m.calls%len(m.replies)]
	m.calls++
	if reply == "" {
		return nil, errors.New("429 too many requests")
	}
	return schema.AssistantMessage(reply, nil), nil
}

var (
	control = compliance.Control{ID: "A.8.5", Title: "Secure authentication", Description: "Use strong authentication", Category: "Technological"}
	entry   = compliance.Entry{Group: "system", Name: "admin", Fields: map[string]string{"auth.method": "radius"}}
)

func TestJudge_ParsesVerdict(t *testing.T) {
	m := &scriptedModel{replies: []string{"```json\n{\"status\": \"Non-Compliant\", \"rationale\": \" local fallback enabled \"}\n```"}}
	j := New(m, Config{}, nil)

	v, err := j.Judge(context.Background(), control, entry)
	require.NoError(t, err)
	assert.Equal(t, compliance.NonCompliant, v.Status)
	assert.Equal(t, "local fallback enabled", v.Rationale)

	require.Len(t, m.prompts, 1)
	require.Len(t, m.prompts[0], 2)
	assert.Equal(t, schema.System, m.prompts[0][0].Role)
	user := m.prompts[0][1].Content
	assert.Contains(t, user, "A.8.5")
	assert.Contains(t, user, "[Technological]")
	assert.Contains(t, user, `"auth.method":"radius"`)
}

func TestJudge_RetriesTransientFailures(t *testing.T) {
	m := &scriptedModel{replies: []string{"", "", `{"status":"compliant","rationale":"ok"}`}}
	j := New(m, Config{MaxAttempts: 3, Backoff: time.Millisecond}, nil)

	v, err := j.Judge(context.Background(), control, entry)
	require.NoError(t, err)
	assert.Equal(t, compliance.Compliant, v.Status)
	assert.Equal(t, 3, m.calls)
}

func TestJudge_GivesUpAfterMaxAttempts(t *testing.T) {
	m := &scriptedModel{replies: []string{"", "I think it is fine"}}
	j := New(m, Config{MaxAttempts: 2, Backoff: time.Millisecond}, nil)

	_, err := j.Judge(context.Background(), control, entry)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	assert.Equal(t, 2, m.calls)
}

func TestJudge_StopsOnCancel(t *testing.T) {
	m := &scriptedModel{replies: []string{""}}
	j := New(m, Config{MaxAttempts: 5, Backoff: time.Hour}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := j.Judge(ctx, control, entry)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, m.calls)
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in   string
		want compliance.Judgement
		ok   bool
	}{
		{`{"status":"compliant","rationale":"x"}`, compliance.Compliant, true},
		{`Sure! {"status":"partial","rationale":"x"} hope that helps`, compliance.PartiallyCompliant, true},
		{`{"status":"N/A","rationale":"x"}`, compliance.NotApplicable, true},
		{`{"status":"maybe","rationale":"x"}`, "", false},
		{`no json here`, "", false},
		{`{"status": }`, "", false},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.in, "/", "_"), func(t *testing.T) {
			v, err := parseAnswer(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidAnswer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Status)
		})
	}
}

func TestNewChatModelRequiresKey(t *testing.T) {
	_, err := NewChatModel(context.Background(), Config{Provider: "openai", Model: "gpt-4o-mini"})
	require.ErrorIs(t, err, ErrNotConfigured)

	var pe interface{ Public() string }
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "AI evaluator is not configured", pe.Public())
}

func TestChatModelConfig(t *testing.T) {
	t.Run("azure with endpoint", func(t *testing.T) {
		cc := chatModelConfig(Config{Provider: "azure", APIKey: "k", Model: "gpt-4o", BaseURL: "https://contoso.openai.azure.com"})
		assert.True(t, cc.ByAzure)
		assert.Equal(t, "https://contoso.openai.azure.com", cc.BaseURL)
		assert.Equal(t, defaultAzureAPIVersion, cc.APIVersion)
	})
	t.Run("azure api version", func(t *testing.T) {
		cc := chatModelConfig(Config{Provider: "azure", BaseURL: "https://x", APIVersion: "2024-10-21"})
		assert.True(t, cc.ByAzure)
		assert.Equal(t, "2024-10-21", cc.APIVersion)
	})
	t.Run("provider defaults", func(t *testing.T) {
		assert.Equal(t, "https://api.openai.com/v1", chatModelConfig(Config{Provider: "openai"}).BaseURL)
		assert.Equal(t, "https://api.deepseek.com/v1", chatModelConfig(Config{Provider: "deepseek"}).BaseURL)
		assert.False(t, chatModelConfig(Config{Provider: "openai", BaseURL: "http://proxy"}).ByAzure)
	})
}
