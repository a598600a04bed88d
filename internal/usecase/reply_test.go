package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"whatsapp-companion/internal/domain"
	"whatsapp-companion/internal/integrations/openai"
	"whatsapp-companion/internal/integrations/paramstore"
	"whatsapp-companion/internal/notice"
	"whatsapp-companion/internal/quota"
)

const testPrefix = "/prefix"

type mockParams struct {
	vals     map[string]string
	err      error
	failOnce bool
	calls    int
}

func (m *mockParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	m.calls++
	if m.failOnce {
		m.failOnce = false
		return nil, errors.New("temporary ssm failure")
	}
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]string{}
	var missing []string
	for _, n := range names {
		v, ok := m.vals[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		out[n] = v
	}
	if len(missing) > 0 {
		return nil, &paramstore.MissingParametersError{Names: missing}
	}
	return out, nil
}

func defaultParams() *mockParams {
	return &mockParams{vals: map[string]string{
		testPrefix + "/pinned_prompt":           "Eres Abraham, un amigo cercano con fe cristiana.",
		testPrefix + "/config/openai_model":     "gpt-4o",
		testPrefix + "/config/subscription_url": "https://pay.example.com/sub",
	}}
}

type mockLLM struct {
	text     string
	tokens   int
	err      error
	requests []domain.CompletionRequest
}

func (m *mockLLM) Complete(_ context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return domain.Completion{}, m.err
	}
	return domain.Completion{Text: m.text, TotalTokens: m.tokens}, nil
}

type sentMessage struct {
	to   string
	text string
}

type mockMessenger struct {
	sent []sentMessage
	// failOn makes Send fail for texts containing the substring.
	failOn string
	err    error
}

func (m *mockMessenger) Send(_ context.Context, to, text string) (string, error) {
	if m.err != nil || (m.failOn != "" && strings.Contains(text, m.failOn)) {
		err := m.err
		if err == nil {
			err = errors.New("send failed")
		}
		return "", err
	}
	m.sent = append(m.sent, sentMessage{to: to, text: text})
	return "wamid.1", nil
}

func (m *mockMessenger) texts() []string {
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.text)
	}
	return out
}

type mockQuota struct {
	eligibility quota.Eligibility
	lockErr     error
	checkErr    error
	commitErr   error
	calls       []string
}

func (m *mockQuota) BeginLock(_ context.Context, id, _ string) (int, error) {
	m.calls = append(m.calls, "lock:"+id)
	return m.eligibility.Count, m.lockErr
}

func (m *mockQuota) CheckEligibility(_ context.Context, _ string) (quota.Eligibility, error) {
	m.calls = append(m.calls, "check")
	return m.eligibility, m.checkErr
}

func (m *mockQuota) Commit(_ context.Context, id, _ string) error {
	m.calls = append(m.calls, "commit:"+id)
	return m.commitErr
}

func (m *mockQuota) Limit() int { return quota.DefaultFreeLimit }

func (m *mockQuota) committed() bool {
	for _, c := range m.calls {
		if strings.HasPrefix(c, "commit:") {
			return true
		}
	}
	return false
}

type mockMemory struct {
	state     domain.ConversationState
	updateErr error
	updated   []string
}

func (m *mockMemory) Load(_ context.Context, _ string) domain.ConversationState {
	return m.state
}

func (m *mockMemory) Update(_ context.Context, _, userText, assistantText string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updated = append(m.updated, userText, assistantText)
	return nil
}

type mockExchanges struct {
	err    error
	logged []string
	isPaid bool
	tokens int
}

func (m *mockExchanges) LogExchange(_ context.Context, _, interactionID, _, _ string, isPaid bool, tokens int) error {
	m.logged = append(m.logged, interactionID)
	m.isPaid = isPaid
	m.tokens = tokens
	return m.err
}

type fixture struct {
	params    *mockParams
	llm       *mockLLM
	out       *mockMessenger
	quota     *mockQuota
	memory    *mockMemory
	exchanges *mockExchanges
}

func newFixture() *fixture {
	return &fixture{
		params:    defaultParams(),
		llm:       &mockLLM{text: "La paciencia es fruto del Espíritu.", tokens: 120},
		out:       &mockMessenger{},
		quota:     &mockQuota{eligibility: quota.Eligibility{CanSend: true, IsFreeTier: true, Count: 3}},
		memory:    &mockMemory{state: domain.EmptyConversation()},
		exchanges: &mockExchanges{},
	}
}

func (f *fixture) service(t *testing.T) *ReplyService {
	t.Helper()
	svc, err := NewReplyService(f.params, f.llm, f.out, f.quota, f.memory, f.exchanges, notice.Defaults(), testPrefix)
	require.NoError(t, err)
	return svc
}

func testInteraction() domain.Interaction {
	return domain.Interaction{ID: "34600000001-1700000000000-abcd1234", SenderID: "34600000001", Text: "¿qué dice la Biblia sobre la paciencia?"}
}

func expectReplyError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewReplyService_ValidatesDependencies(t *testing.T) {
	f := newFixture()
	texts := notice.Defaults()

	_, err := NewReplyService(nil, f.llm, f.out, f.quota, f.memory, f.exchanges, texts, testPrefix)
	require.Error(t, err)
	_, err = NewReplyService(f.params, nil, f.out, f.quota, f.memory, f.exchanges, texts, testPrefix)
	require.Error(t, err)
	_, err = NewReplyService(f.params, f.llm, nil, f.quota, f.memory, f.exchanges, texts, testPrefix)
	require.Error(t, err)
	_, err = NewReplyService(f.params, f.llm, f.out, nil, f.memory, f.exchanges, texts, testPrefix)
	require.Error(t, err)
	_, err = NewReplyService(f.params, f.llm, f.out, f.quota, nil, f.exchanges, texts, testPrefix)
	require.Error(t, err)
	_, err = NewReplyService(f.params, f.llm, f.out, f.quota, f.memory, nil, texts, testPrefix)
	require.Error(t, err)
	_, err = NewReplyService(f.params, f.llm, f.out, f.quota, f.memory, f.exchanges, texts, " / ")
	require.Error(t, err)
}

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture()
	svc := f.service(t)
	in := testInteraction()

	require.NoError(t, svc.Process(context.Background(), in))

	require.Equal(t, []sentMessage{{to: in.SenderID, text: "La paciencia es fruto del Espíritu."}}, f.out.sent)
	require.Equal(t, []string{"lock:" + in.ID, "check", "commit:" + in.ID}, f.quota.calls)
	require.Equal(t, []string{in.Text, "La paciencia es fruto del Espíritu."}, f.memory.updated)
	require.Equal(t, []string{in.ID}, f.exchanges.logged)
	require.False(t, f.exchanges.isPaid)
	require.Equal(t, 120, f.exchanges.tokens)

	req := f.llm.requests[0]
	require.Equal(t, "gpt-4o", req.Model)
	require.InDelta(t, 0.7, *req.Temperature, 1e-9)
	last := req.Messages[len(req.Messages)-1]
	require.Equal(t, domain.RoleUser, last.Role)
	require.Equal(t, in.Text, last.Content)
}

func TestProcess_LoadsConfigOnce(t *testing.T) {
	f := newFixture()
	svc := f.service(t)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))
	require.NoError(t, svc.Process(context.Background(), testInteraction()))
	require.Equal(t, 1, f.params.calls)
}

func TestProcess_PaidSenderIsLoggedAsPaid(t *testing.T) {
	f := newFixture()
	f.quota.eligibility = quota.Eligibility{CanSend: true, Count: 200}
	svc := f.service(t)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))
	require.True(t, f.exchanges.isPaid)
	require.True(t, f.quota.committed())
}

func TestProcess_DeniedSendsSubscriptionNotice(t *testing.T) {
	f := newFixture()
	f.quota.eligibility = quota.Eligibility{CanSend: false, IsFreeTier: true, Count: 15}
	svc := f.service(t)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))

	require.Len(t, f.out.sent, 1)
	require.Contains(t, f.out.sent[0].text, "https://pay.example.com/sub")
	require.Contains(t, f.out.sent[0].text, "15")
	require.Empty(t, f.llm.requests, "no generation when denied")
	require.False(t, f.quota.committed())
	require.Empty(t, f.memory.updated)
}

func TestProcess_DeniedWithoutSubscriptionURLUsesFallback(t *testing.T) {
	f := newFixture()
	delete(f.params.vals, testPrefix+"/config/subscription_url")
	f.quota.eligibility = quota.Eligibility{CanSend: false, IsFreeTier: true, Count: 15}
	svc := f.service(t)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))
	require.Equal(t, []string{notice.Defaults().SubscriptionFallback}, f.out.texts())
}

func TestProcess_DeniedNoticeFailureFallsBack(t *testing.T) {
	f := newFixture()
	f.out.failOn = "https://"
	f.quota.eligibility = quota.Eligibility{CanSend: false, IsFreeTier: true, Count: 15}
	svc := f.service(t)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))
	require.Equal(t, []string{notice.Defaults().SubscriptionFallback}, f.out.texts())
}

func TestProcess_WarningTurnSendsWarningThenReply(t *testing.T) {
	f := newFixture()
	f.quota.eligibility = quota.Eligibility{CanSend: true, IsFreeTier: true, Count: 13, IsWarningTurn: true}
	svc := f.service(t)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))
	require.Equal(t, []string{notice.Defaults().LimitWarning, "La paciencia es fruto del Espíritu."}, f.out.texts())
	require.True(t, f.quota.committed())
}

func TestProcess_WarningFailureDoesNotAbort(t *testing.T) {
	f := newFixture()
	f.out.failOn = "Aviso"
	f.quota.eligibility = quota.Eligibility{CanSend: true, IsFreeTier: true, Count: 13, IsWarningTurn: true}
	svc := f.service(t)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))
	require.Equal(t, []string{"La paciencia es fruto del Espíritu."}, f.out.texts())
}

func TestProcess_SSMLoadErrorApologizesAndRetries(t *testing.T) {
	f := newFixture()
	f.params.failOnce = true
	svc := f.service(t)

	err := svc.Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorInternal, "ssm_load_error")
	require.Equal(t, []string{notice.Defaults().Apology}, f.out.texts())
	require.Empty(t, f.quota.calls)

	require.NoError(t, svc.Process(context.Background(), testInteraction()))
}

func TestProcess_MissingRequiredParameter(t *testing.T) {
	f := newFixture()
	delete(f.params.vals, testPrefix+"/pinned_prompt")
	svc := f.service(t)

	err := svc.Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorInternal, "ssm_load_error")
}

func TestProcess_EmptyModelParameter(t *testing.T) {
	f := newFixture()
	f.params.vals[testPrefix+"/config/openai_model"] = "  "
	svc := f.service(t)

	err := svc.Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorInternal, "ssm_load_error")
}

func TestProcess_QuotaErrorsApologize(t *testing.T) {
	f := newFixture()
	f.quota.lockErr = errors.New("dynamo down")
	err := f.service(t).Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorInternal, "quota_lock_error")
	require.Equal(t, []string{notice.Defaults().Apology}, f.out.texts())

	f = newFixture()
	f.quota.checkErr = errors.New("dynamo down")
	err = f.service(t).Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorInternal, "quota_check_error")
	require.Equal(t, []string{notice.Defaults().Apology}, f.out.texts())
	require.Empty(t, f.llm.requests)
}

func TestProcess_AlreadyCommittedInteractionIsSkipped(t *testing.T) {
	f := newFixture()
	in := testInteraction()
	f.quota.lockErr = fmt.Errorf("quota: BeginLock %s: %w", in.ID, quota.ErrAlreadyCommitted)

	require.NoError(t, f.service(t).Process(context.Background(), in))

	require.Empty(t, f.out.sent)
	require.Empty(t, f.llm.requests)
	require.Empty(t, f.memory.updated)
	require.Empty(t, f.exchanges.logged)
	require.Equal(t, []string{"lock:" + in.ID}, f.quota.calls)
}

func TestProcess_GenerationErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{"rate limited", &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}, ErrorRateLimited, "openai_rate_limited"},
		{"server error", &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}, ErrorUpstream, "openai_error"},
		{"network", errors.New("connection reset"), ErrorUpstream, "openai_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.llm.err = tc.err
			err := f.service(t).Process(context.Background(), testInteraction())
			expectReplyError(t, err, tc.code, tc.reason)
			require.Equal(t, []string{notice.Defaults().Apology}, f.out.texts())
			require.False(t, f.quota.committed())
			require.Empty(t, f.memory.updated)
		})
	}
}

func TestProcess_EmptyGeneration(t *testing.T) {
	f := newFixture()
	f.llm.text = "   "
	err := f.service(t).Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorUpstream, "openai_empty_response")
	require.False(t, f.quota.committed())
}

func TestProcess_SendFailureApologizesOnce(t *testing.T) {
	f := newFixture()
	f.out.failOn = "paciencia"
	err := f.service(t).Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorUpstream, "whatsapp_send_error")
	require.Equal(t, []string{notice.Defaults().Apology}, f.out.texts())
	require.False(t, f.quota.committed())
}

func TestProcess_ApologyFailureStillReturnsCause(t *testing.T) {
	f := newFixture()
	f.out.err = errors.New("graph api down")
	err := f.service(t).Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorUpstream, "whatsapp_send_error")
	require.Empty(t, f.out.sent)
}

func TestProcess_MessageLogFailureIsBestEffort(t *testing.T) {
	f := newFixture()
	f.exchanges.err = errors.New("write failed")
	require.NoError(t, f.service(t).Process(context.Background(), testInteraction()))
	require.True(t, f.quota.committed())
}

func TestProcess_MemoryUpdateFailureSkipsCommitWithoutApology(t *testing.T) {
	f := newFixture()
	f.memory.updateErr = errors.New("dynamo down")
	err := f.service(t).Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorInternal, "memory_update_error")
	require.Equal(t, []string{"La paciencia es fruto del Espíritu."}, f.out.texts())
	require.False(t, f.quota.committed())
}

func TestProcess_CommitFailureIsIntegrityError(t *testing.T) {
	f := newFixture()
	f.quota.commitErr = quota.ErrLockMissing
	err := f.service(t).Process(context.Background(), testInteraction())
	expectReplyError(t, err, ErrorIntegrity, "quota_commit_error")
	require.ErrorIs(t, err, quota.ErrLockMissing)
	require.Equal(t, ErrorIntegrity, CodeOf(err))
	require.Equal(t, []string{"La paciencia es fruto del Espíritu."}, f.out.texts())
}

func TestProcess_InvalidInteraction(t *testing.T) {
	f := newFixture()
	svc := f.service(t)
	in := testInteraction()
	in.Text = "  "
	err := svc.Process(context.Background(), in)
	expectReplyError(t, err, ErrorInvalidInput, "empty_interaction")
	require.Empty(t, f.out.sent)
}

func TestBuildPromptMessages_Layout(t *testing.T) {
	state := domain.ConversationState{
		Summary: "Ana habla de su madre enferma.",
		Context: map[string]string{"nombre": "Ana", "ciudad": "Sevilla"},
		History: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "Hola"},
			{Role: domain.RoleAssistant, Content: "¡Hola, Ana!"},
			{Role: domain.RoleUser, Content: " "},
		},
	}
	msgs := buildPromptMessages("Eres Abraham.", state, "¿Rezas por ella?")

	require.Len(t, msgs, 5)
	require.Equal(t, domain.RoleSystem, msgs[0].Role)
	require.True(t, strings.HasPrefix(msgs[0].Content, "Eres Abraham."))
	require.Contains(t, msgs[0].Content, "Ana habla de su madre enferma.")
	require.Contains(t, msgs[0].Content, "- ciudad: Sevilla\n- nombre: Ana")
	require.Equal(t, "Hola", msgs[1].Content)
	require.Equal(t, domain.RoleAssistant, msgs[2].Role)
	require.Equal(t, domain.ChatMessage{Role: domain.RoleSystem, Content: continuityReminder}, msgs[3])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "¿Rezas por ella?"}, msgs[4])
}

func TestBuildPromptMessages_EmptyMemory(t *testing.T) {
	msgs := buildPromptMessages("  Eres Abraham.  ", domain.EmptyConversation(), "Hola")
	require.Len(t, msgs, 3)
	require.Equal(t, "Eres Abraham.", msgs[0].Content)
}
