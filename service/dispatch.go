package service

import (
	"context"
	"errors"
	"fmt"
	"llmdispatch/model"
	"llmdispatch/platform"
	"os"
	"strconv"
	"sync"
	"time"

	uuid "github.com/google/uuid"
	"github.com/openai/openai-go"
)

var logger = platform.Logger

var (
	ErrValidation         = errors.New("invalid request")
	ErrStorage            = errors.New("storage error")
	ErrProvider           = errors.New("provider error")
	ErrEnrichmentInFlight = errors.New("another operation is in progress for this message")
)

// FailureSentinel 写入失败槽位的标记文本, 与真正的空响应区分开
const FailureSentinel = "[model call failed]"

const (
	temperatureMin = 0.0
	temperatureMax = 2.0
)

// Completer 是对聊天补全后端的最小抽象, 测试中用假实现替换
type Completer interface {
	Complete(ctx context.Context, modelName string, prompts []model.Prompt, temperature float64, maxTokens *int) (string, error)
}

type llmCompleter struct{}

func (llmCompleter) Complete(ctx context.Context, modelName string, prompts []model.Prompt, temperature float64, maxTokens *int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    openai.F([]openai.ChatCompletionMessageParamUnion{}),
		Model:       openai.F(modelName),
		Temperature: openai.F(temperature),
	}
	if maxTokens != nil {
		params.MaxTokens = openai.F(int64(*maxTokens))
	}
	for _, p := range prompts {
		var content any = p.Content
		params.Messages.Value = append(params.Messages.Value, openai.ChatCompletionMessageParam{
			Role:    openai.F(openai.ChatCompletionMessageParamRole(p.Role)),
			Content: openai.F(content),
		})
	}

	completion, err := platform.LLMClient.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

var DefaultCompleter Completer = llmCompleter{}

type DispatchService struct {
	Completer Completer
}

type DispatchRequest struct {
	Models      []string       `json:"models"`
	Messages    []model.Prompt `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   *int           `json:"max_tokens"`
}

func (req *DispatchRequest) validate() error {
	if len(req.Models) == 0 {
		return fmt.Errorf("%w: models must not be empty", ErrValidation)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrValidation)
	}
	for _, m := range req.Messages {
		if m.Role == "" {
			return fmt.Errorf("%w: message role must not be empty", ErrValidation)
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrValidation)
	}
	return nil
}

// Dispatch 并发调用所有模型, 全部结束后一次性入库, 成功才返回 id
func (s *DispatchService) Dispatch(ctx context.Context, requestId string, req DispatchRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	temperature := clampTemperature(req.Temperature)

	responses := fanOut(ctx, s.completer(), req.Models, func(int) []model.Prompt {
		return req.Messages
	}, temperature, req.MaxTokens)

	msg := &model.Message{
		ID:          uuid.New().String(),
		Messages:    req.Messages,
		Models:      req.Models,
		Responses:   responses,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		Timestamp:   time.Now(),
	}
	if err := model.CreateMessage(msg); err != nil {
		logger.Warnf("[%s] create message for db error, %s", requestId, err)
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return msg.ID, nil
}

func (s *DispatchService) completer() Completer {
	if s.Completer != nil {
		return s.Completer
	}
	return DefaultCompleter
}

// fanOut 对每个模型槽位并发调用补全后端, 等全部结束后按原下标返回。
// 单个槽位失败或超时只影响自己, 对应位置写入 FailureSentinel
func fanOut(ctx context.Context, completer Completer, models []string, prompts func(i int) []model.Prompt, temperature float64, maxTokens *int) model.StringList {
	responses := make(model.StringList, len(models))
	timeout := llmTimeout()

	var wg sync.WaitGroup
	for i, name := range models {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			text, err := completer.Complete(callCtx, name, prompts(i), temperature, maxTokens)
			if err != nil {
				logger.Warnf("model %s call failed, %s", name, err)
				responses[i] = FailureSentinel
				return
			}
			responses[i] = text
		}(i, name)
	}
	wg.Wait()

	return responses
}

func clampTemperature(t float64) float64 {
	if t < temperatureMin {
		return temperatureMin
	}
	if t > temperatureMax {
		return temperatureMax
	}
	return t
}

func llmTimeout() time.Duration {
	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 120 * time.Second
}
