package service

import (
	"context"
	"fmt"
	"llmdispatch/model"
)

const defaultScamperSystem = "You are a creative assistant applying the SCAMPER method. " +
	"Use the SCAMPER step specified in the user message to enhance the response given"

var scamperSteps = map[string]bool{
	"substitute":        true,
	"combine":           true,
	"adjust":            true,
	"modify":            true,
	"put_to_other_uses": true,
	"eliminate":         true,
	"reverse":           true,
}

type ScamperRequest struct {
	System      string `json:"scamper_system"`
	User        string `json:"scamper_user"`
	StepContent string `json:"step_content"`
	Step        string `json:"step"`
}

// EnrichmentService 对已有记录追加 SCAMPER 步骤或生成图片,
// 同一记录同时只允许一个补充操作
type EnrichmentService struct {
	Completer Completer
	Images    ImageGenerator
	Leases    *LeaseRegistry
}

// ApplyScamperStep 对记录的每个原始响应并发执行一次指定步骤的改写,
// 结果整组覆盖 scamper[step], 其他步骤不动
func (s *EnrichmentService) ApplyScamperStep(ctx context.Context, id string, req ScamperRequest) error {
	if !scamperSteps[req.Step] {
		return fmt.Errorf("%w: unknown scamper step %q", ErrValidation, req.Step)
	}

	leases := s.leases()
	if !leases.Acquire(id) {
		return ErrEnrichmentInFlight
	}
	defer leases.Release(id)

	msg, err := model.GetMessage(id)
	if err != nil {
		return err
	}

	system := req.System
	if system == "" {
		system = defaultScamperSystem
	}
	user := req.User
	if user == "" {
		user = fmt.Sprintf("SCAMPER step: %s", req.Step)
	}

	results := fanOut(ctx, s.completer(), msg.Models, func(i int) []model.Prompt {
		return []model.Prompt{
			{Role: "system", Content: system},
			{Role: "user", Content: fmt.Sprintf("%s\n%s\n\nResponse to refine:\n%s", user, req.StepContent, msg.Responses[i])},
		}
	}, msg.Temperature, msg.MaxTokens)

	if err := model.SetScamperStep(id, req.Step, results); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Delete 与补充操作共用同一把租约, 补充进行中删除会得到冲突
func (s *EnrichmentService) Delete(id string) error {
	leases := s.leases()
	if !leases.Acquire(id) {
		return ErrEnrichmentInFlight
	}
	defer leases.Release(id)

	return model.DeleteMessage(id)
}

func (s *EnrichmentService) completer() Completer {
	if s.Completer != nil {
		return s.Completer
	}
	return DefaultCompleter
}

func (s *EnrichmentService) leases() *LeaseRegistry {
	if s.Leases != nil {
		return s.Leases
	}
	return Leases
}
