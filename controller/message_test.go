package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"llmdispatch/model"
	"llmdispatch/platform"
	"llmdispatch/service"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeCompleter struct {
	replies map[string]string
	errs    map[string]error
}

func (f *fakeCompleter) Complete(ctx context.Context, modelName string, prompts []model.Prompt, temperature float64, maxTokens *int) (string, error) {
	if err := f.errs[modelName]; err != nil {
		return "", err
	}
	return f.replies[modelName], nil
}

func setupRouter(t *testing.T, completer service.Completer) *gin.Engine {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Message{}))
	platform.DB = db

	dispatchService.Completer = completer
	enrichmentService.Completer = completer
	enrichmentService.Leases = service.NewLeaseRegistry(time.Minute)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	message := new(MessageController)
	r.POST("/send-message", message.SendMessage)
	r.GET("/messages", message.ListMessages)
	r.GET("/messages/:id", message.GetMessage)
	r.DELETE("/messages/:id", message.DeleteMessage)
	r.POST("/scamper", message.Scamper)
	r.POST("/generate-image", message.GenerateImage)
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSendMessageAndGetFullRecord(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{replies: map[string]string{
		"m1": "Pancakes...",
		"m2": "Crepes...",
	}})

	w := doJSON(r, http.MethodPost, "/send-message", gin.H{
		"models":      []string{"m1", "m2"},
		"messages":    []gin.H{{"role": "user", "content": "ingredients: eggs, flour"}},
		"temperature": 0.5,
		"max_tokens":  nil,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created struct {
		MessageID string `json:"message_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.MessageID)

	w = doJSON(r, http.MethodGet, "/messages/"+created.MessageID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.MessageID, got["_id"])
	assert.Equal(t, []interface{}{"Pancakes...", "Crepes..."}, got["responses"])
	assert.Equal(t, 0.5, got["temperature"])
	assert.Nil(t, got["max_tokens"])
	assert.NotContains(t, got, "scamper")
	assert.NotContains(t, got, "image_url")
}

func TestSendMessageValidationError(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{})

	w := doJSON(r, http.MethodPost, "/send-message", gin.H{
		"models":      []string{},
		"messages":    []gin.H{{"role": "user", "content": "hi"}},
		"temperature": 0.5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "detail")
}

func TestGetMessageNotFound(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{})

	w := doJSON(r, http.MethodGet, "/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Message not found", body["detail"])
}

func TestListMessages(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, model.CreateMessage(&model.Message{
			ID:        fmt.Sprintf("msg-%d", i),
			Messages:  model.PromptList{{Role: "user", Content: fmt.Sprintf("prompt %d", i)}},
			Models:    model.StringList{"m1"},
			Responses: model.StringList{"r"},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := doJSON(r, http.MethodGet, "/messages?page=1&pageSize=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Messages []struct {
			ID      string `json:"id"`
			Preview string `json:"preview"`
		} `json:"messages"`
		TotalCount int `json:"total_count"`
		Page       int `json:"page"`
		PageSize   int `json:"page_size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.TotalCount)
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 2, body.PageSize)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "msg-2", body.Messages[0].ID)
	assert.Equal(t, "prompt 2", body.Messages[0].Preview)
}

func TestDeleteMessageFlow(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{})

	require.NoError(t, model.CreateMessage(&model.Message{
		ID:        "msg-1",
		Messages:  model.PromptList{{Role: "user", Content: "hi"}},
		Models:    model.StringList{"m1"},
		Responses: model.StringList{"r"},
		Timestamp: time.Now(),
	}))

	w := doJSON(r, http.MethodDelete, "/messages/msg-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/messages/msg-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodDelete, "/messages/msg-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScamperEndpoint(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{replies: map[string]string{"m1": "refined"}})

	require.NoError(t, model.CreateMessage(&model.Message{
		ID:        "msg-1",
		Messages:  model.PromptList{{Role: "user", Content: "hi"}},
		Models:    model.StringList{"m1"},
		Responses: model.StringList{"original"},
		Timestamp: time.Now(),
	}))

	w := doJSON(r, http.MethodPost, "/scamper", gin.H{
		"message_id":     "msg-1",
		"scamper_system": "You are a creative assistant applying the SCAMPER method.",
		"scamper_user":   "SCAMPER step: combine",
		"step_content":   "merge with something unexpected",
		"step":           "combine",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := model.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"refined"}, got.Scamper["combine"])
}

func TestScamperUnknownStep(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{})

	w := doJSON(r, http.MethodPost, "/scamper", gin.H{
		"message_id": "msg-1",
		"step":       "explode",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown scamper step")
}

func TestScamperConflict(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{replies: map[string]string{"m1": "refined"}})

	require.NoError(t, model.CreateMessage(&model.Message{
		ID:        "msg-1",
		Messages:  model.PromptList{{Role: "user", Content: "hi"}},
		Models:    model.StringList{"m1"},
		Responses: model.StringList{"original"},
		Timestamp: time.Now(),
	}))
	require.True(t, enrichmentService.Leases.Acquire("msg-1"))

	w := doJSON(r, http.MethodPost, "/scamper", gin.H{
		"message_id": "msg-1",
		"step":       "combine",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGenerateImageEndpoint(t *testing.T) {
	r := setupRouter(t, &fakeCompleter{})
	enrichmentService.Images = &staticImageGenerator{url: "https://img.example/out.png"}
	defer func() { enrichmentService.Images = nil }()

	require.NoError(t, model.CreateMessage(&model.Message{
		ID:        "msg-1",
		Messages:  model.PromptList{{Role: "user", Content: "hi"}},
		Models:    model.StringList{"m1"},
		Responses: model.StringList{"a sunset over mountains"},
		Timestamp: time.Now(),
	}))

	w := doJSON(r, http.MethodPost, "/generate-image", gin.H{
		"model":      "black-forest-labs/FLUX.1-schnell-Free",
		"prompt":     "Don't put text or words of any kind.",
		"steps":      4,
		"n":          1,
		"message_id": "msg-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "https://img.example/out.png")

	got, err := model.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/out.png", got.ImageURL)
}

type staticImageGenerator struct {
	url string
}

func (s *staticImageGenerator) Generate(ctx context.Context, prompt string, modelName string, steps int, n int) (string, error) {
	return s.url, nil
}
