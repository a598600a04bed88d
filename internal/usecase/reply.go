package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"whatsapp-companion/internal/domain"
	"whatsapp-companion/internal/integrations/paramstore"
	"whatsapp-companion/internal/metrics"
	"whatsapp-companion/internal/notice"
	"whatsapp-companion/internal/quota"
)

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type LLMClient interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Messenger interface {
	Send(ctx context.Context, to, text string) (string, error)
}

type QuotaLedger interface {
	BeginLock(ctx context.Context, interactionID, senderID string) (int, error)
	CheckEligibility(ctx context.Context, senderID string) (quota.Eligibility, error)
	Commit(ctx context.Context, interactionID, senderID string) error
	Limit() int
}

type Memory interface {
	Load(ctx context.Context, senderID string) domain.ConversationState
	Update(ctx context.Context, senderID, userText, assistantText string) error
}

type ExchangeLogger interface {
	LogExchange(ctx context.Context, senderID, interactionID, question, answer string, isPaid bool, tokens int) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ReplyService runs one interaction end to end: quota gate, generation,
// delivery, memory and counter commit.
type ReplyService struct {
	params      ParamGetter
	llm         LLMClient
	out         Messenger
	quota       QuotaLedger
	memory      Memory
	exchanges   ExchangeLogger
	notices     notice.Texts
	paramPrefix string
	logger      *slog.Logger

	cacheMu         sync.RWMutex
	cacheLoaded     bool
	pinnedPrompt    string
	openaiModel     string
	subscriptionURL string
}

func NewReplyService(p ParamGetter, llm LLMClient, out Messenger, q QuotaLedger, mem Memory, ex ExchangeLogger, notices notice.Texts, paramPrefix string) (*ReplyService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if out == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if q == nil {
		return nil, errors.New("usecase: quota ledger must not be nil")
	}
	if mem == nil {
		return nil, errors.New("usecase: memory must not be nil")
	}
	if ex == nil {
		return nil, errors.New("usecase: exchange logger must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &ReplyService{
		params:      p,
		llm:         llm,
		out:         out,
		quota:       q,
		memory:      mem,
		exchanges:   ex,
		notices:     notices,
		paramPrefix: paramPrefix,
		logger:      slog.Default().With("component", "reply"),
	}, nil
}

// Process handles one aggregated interaction. Failures before the reply is
// delivered trigger a single apology to the sender; failures after delivery
// do not.
func (s *ReplyService) Process(ctx context.Context, in domain.Interaction) error {
	if strings.TrimSpace(in.SenderID) == "" || strings.TrimSpace(in.Text) == "" || in.ID == "" {
		return newError(ErrorInvalidInput, "empty_interaction", nil)
	}
	log := s.logger.With("sender", in.SenderID, "interaction_id", in.ID)

	if err := s.ensureConfig(ctx); err != nil {
		return s.apologize(ctx, log, in, newError(ErrorInternal, "ssm_load_error", err))
	}

	if _, err := s.quota.BeginLock(ctx, in.ID, in.SenderID); err != nil {
		if errors.Is(err, quota.ErrAlreadyCommitted) {
			metrics.Interactions.WithLabelValues(metrics.OutcomeDuplicate).Inc()
			log.Info("interaction already answered, skipping")
			return nil
		}
		return s.apologize(ctx, log, in, newError(ErrorInternal, "quota_lock_error", err))
	}

	eligibility, err := s.quota.CheckEligibility(ctx, in.SenderID)
	if err != nil {
		return s.apologize(ctx, log, in, newError(ErrorInternal, "quota_check_error", err))
	}
	if !eligibility.CanSend {
		return s.deny(ctx, log, in, eligibility)
	}
	if eligibility.IsFreeTier && eligibility.IsWarningTurn {
		if _, err := s.out.Send(ctx, in.SenderID, s.notices.Warning(s.quota.Limit())); err != nil {
			log.Warn("limit warning not delivered", "err", err)
		}
	}

	state := s.memory.Load(ctx, in.SenderID)
	completion, err := s.llm.Complete(ctx, domain.CompletionRequest{
		Model:       s.openaiModel,
		Messages:    buildPromptMessages(s.pinnedPrompt, state, in.Text),
		Temperature: domain.Temperature(replyTemperature),
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return s.apologize(ctx, log, in, newError(ErrorRateLimited, "openai_rate_limited", err))
		}
		return s.apologize(ctx, log, in, newError(ErrorUpstream, "openai_error", err))
	}
	answer := strings.TrimSpace(completion.Text)
	if answer == "" {
		return s.apologize(ctx, log, in, newError(ErrorUpstream, "openai_empty_response", nil))
	}

	if _, err := s.out.Send(ctx, in.SenderID, answer); err != nil {
		return s.apologize(ctx, log, in, newError(ErrorUpstream, "whatsapp_send_error", err))
	}

	if err := s.exchanges.LogExchange(ctx, in.SenderID, in.ID, in.Text, answer, !eligibility.IsFreeTier, completion.TotalTokens); err != nil {
		log.Warn("message log write failed", "err", err)
	}

	if err := s.memory.Update(ctx, in.SenderID, in.Text, answer); err != nil {
		metrics.Interactions.WithLabelValues(metrics.OutcomeFailed).Inc()
		return newError(ErrorInternal, "memory_update_error", err)
	}

	if err := s.quota.Commit(ctx, in.ID, in.SenderID); err != nil {
		metrics.Interactions.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error("usage counter commit failed", "alert", "quota_integrity", "err", err)
		return newError(ErrorIntegrity, "quota_commit_error", err)
	}

	metrics.Interactions.WithLabelValues(metrics.OutcomeReplied).Inc()
	return nil
}

func (s *ReplyService) deny(ctx context.Context, log *slog.Logger, in domain.Interaction, e quota.Eligibility) error {
	metrics.QuotaDenials.Inc()
	metrics.Interactions.WithLabelValues(metrics.OutcomeDenied).Inc()
	log.Info("free message limit reached", "count", e.Count)

	s.cacheMu.RLock()
	url := s.subscriptionURL
	s.cacheMu.RUnlock()

	if _, err := s.out.Send(ctx, in.SenderID, s.notices.Subscription(s.quota.Limit(), url)); err != nil {
		log.Error("subscription notice not delivered", "err", err)
		if url == "" {
			return newError(ErrorUpstream, "whatsapp_send_error", err)
		}
		if _, err := s.out.Send(ctx, in.SenderID, s.notices.SubscriptionFallback); err != nil {
			return newError(ErrorUpstream, "whatsapp_send_error", err)
		}
	}
	return nil
}

// apologize sends the apology notice once and returns cause.
func (s *ReplyService) apologize(ctx context.Context, log *slog.Logger, in domain.Interaction, cause *Error) error {
	metrics.Interactions.WithLabelValues(metrics.OutcomeApologized).Inc()
	if _, err := s.out.Send(ctx, in.SenderID, s.notices.Apology); err != nil {
		log.Error("apology not delivered", "reason", cause.Reason, "err", err)
	}
	return cause
}

func (s *ReplyService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	pinnedPrompt, openaiModel, subscriptionURL, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.pinnedPrompt = pinnedPrompt
	s.openaiModel = openaiModel
	s.subscriptionURL = subscriptionURL
	s.cacheLoaded = true
	return nil
}

func (s *ReplyService) loadSSMParams(ctx context.Context) (pinnedPrompt, openaiModel, subscriptionURL string, err error) {
	var (
		promptName = s.paramPrefix + "/pinned_prompt"
		modelName  = s.paramPrefix + "/config/openai_model"
		urlName    = s.paramPrefix + "/config/subscription_url"
	)

	values, err := s.params.GetParameters(ctx, promptName, modelName, urlName)
	if err != nil {
		var missing *paramstore.MissingParametersError
		if !errors.As(err, &missing) || len(missing.Names) != 1 || missing.Names[0] != urlName {
			return "", "", "", fmt.Errorf("usecase: load parameters: %w", err)
		}
		// Without a subscription URL the fallback notice is used.
		values, err = s.params.GetParameters(ctx, promptName, modelName)
		if err != nil {
			return "", "", "", fmt.Errorf("usecase: load parameters: %w", err)
		}
	}

	openaiModel = strings.TrimSpace(values[modelName])
	if openaiModel == "" {
		return "", "", "", errors.New("usecase: openai model parameter is empty")
	}
	return values[promptName], openaiModel, strings.TrimSpace(values[urlName]), nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
