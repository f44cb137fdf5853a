package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"llmdispatch/model"
	"net/http"
	"os"
	"strconv"
	"strings"
)

const defaultImagePrompt = "Generate an image based on the following LLM responses. " +
	"Don't put text or words of any kind."

const responseSeparator = "\n---\n"

// ImageGenerator 是对图片生成后端的抽象, 返回生成结果的 URL
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, modelName string, steps int, n int) (string, error)
}

// imageAPIClient 调用 Together 风格的 /images/generations 接口,
// 该接口的 steps 参数 openai-go 无法表达, 所以直接走 HTTP
type imageAPIClient struct {
	client *http.Client
}

type imageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Steps  int    `json:"steps"`
	N      int    `json:"n"`
}

type imageGenerationResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (c *imageAPIClient) Generate(ctx context.Context, prompt string, modelName string, steps int, n int) (string, error) {
	body, err := json.Marshal(imageGenerationRequest{
		Model:  modelName,
		Prompt: prompt,
		Steps:  steps,
		N:      n,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal image request: %w", err)
	}

	url := strings.TrimRight(imageBaseURL(), "/") + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+imageAPIKey())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read image response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, data)
	}

	var result imageGenerationResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal image response: %w", err)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return "", errors.New("image response contained no url")
	}
	return result.Data[0].URL, nil
}

func (c *imageAPIClient) httpClient() *http.Client {
	if c.client != nil {
		return c.client
	}
	return http.DefaultClient
}

var DefaultImageGenerator ImageGenerator = &imageAPIClient{}

type ImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Steps  int    `json:"steps"`
	N      int    `json:"n"`
}

// GenerateImage 用记录的响应拼出图片提示词并调用生成后端,
// 成功才覆盖 image_url, 失败时记录保持原样
func (s *EnrichmentService) GenerateImage(ctx context.Context, id string, req ImageRequest) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("%w: model must not be empty", ErrValidation)
	}
	if req.Steps <= 0 {
		req.Steps = 4
	}
	if req.N <= 0 {
		req.N = 1
	}

	leases := s.leases()
	if !leases.Acquire(id) {
		return "", ErrEnrichmentInFlight
	}
	defer leases.Release(id)

	msg, err := model.GetMessage(id)
	if err != nil {
		return "", err
	}

	prompt := buildImagePrompt(req.Prompt, msg.Responses)

	callCtx, cancel := context.WithTimeout(ctx, llmTimeout())
	defer cancel()

	url, err := s.images().Generate(callCtx, prompt, req.Model, req.Steps, req.N)
	if err != nil {
		logger.Warnf("image generation failed for message %s, %s", id, err)
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if err := model.SetImageURL(id, url); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return url, nil
}

// buildImagePrompt 拼接所有非空且未失败的响应, 截断到配置的最大长度
func buildImagePrompt(instruction string, responses model.StringList) string {
	if instruction == "" {
		instruction = defaultImagePrompt
	}

	var parts []string
	for _, r := range responses {
		if r == "" || r == FailureSentinel {
			continue
		}
		parts = append(parts, r)
	}

	prompt := instruction
	if len(parts) > 0 {
		prompt += "\n\n" + strings.Join(parts, responseSeparator)
	}

	limit := imagePromptLimit()
	runes := []rune(prompt)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return prompt
}

func (s *EnrichmentService) images() ImageGenerator {
	if s.Images != nil {
		return s.Images
	}
	return DefaultImageGenerator
}

func imageBaseURL() string {
	if v := os.Getenv("IMAGE_BASE_URL"); v != "" {
		return v
	}
	return os.Getenv("LLM_BASE_URL")
}

func imageAPIKey() string {
	if v := os.Getenv("IMAGE_API_KEY"); v != "" {
		return v
	}
	return os.Getenv("LLM_API_KEY")
}

func imagePromptLimit() int {
	if v := os.Getenv("IMAGE_PROMPT_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 4000
}
