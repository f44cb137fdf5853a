package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"llmdispatch/platform"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"
)

var ErrMessageNotFound = errors.New("message not found")

// Prompt 表示对话中的一条消息
type Prompt struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type PromptList []Prompt

func (l PromptList) Value() (driver.Value, error) {
	data, err := json.Marshal(l)
	return string(data), err
}

func (l *PromptList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	data, err := json.Marshal(l)
	return string(data), err
}

func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// StepMap 保存每个 SCAMPER 步骤的各模型结果, 与 models 按下标对齐
type StepMap map[string][]string

func (m StepMap) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	return string(data), err
}

func (m *StepMap) Scan(value interface{}) error {
	return scanJSON(value, m)
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported column type %T", value)
	}
}

// Message 表示一次多模型调用及其后续的 SCAMPER/图片补充
type Message struct {
	ID          string     `gorm:"type:varchar(64);primaryKey" json:"_id"`
	Messages    PromptList `gorm:"type:text" json:"messages"`
	Models      StringList `gorm:"type:text" json:"models"`
	Responses   StringList `gorm:"type:text" json:"responses"`
	Temperature float64    `json:"temperature"`
	MaxTokens   *int       `json:"max_tokens"`
	Timestamp   time.Time  `gorm:"index" json:"timestamp"`
	Scamper     StepMap    `gorm:"type:text" json:"scamper,omitempty"`
	ImageURL    string     `gorm:"type:text" json:"image_url,omitempty"`
}

// Preview 为列表页返回的摘要视图
type Preview struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Preview   string    `json:"preview"`
}

func CreateMessage(m *Message) error {
	db := platform.DB
	return db.Create(m).Error
}

func GetMessage(id string) (*Message, error) {
	var msg Message
	db := platform.DB
	if err := db.Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return &msg, nil
}

// DeleteMessage 删除记录, scamper 与 image_url 随记录一起删除
func DeleteMessage(id string) error {
	db := platform.DB
	result := db.Where("id = ?", id).Delete(&Message{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListMessages 按时间倒序分页返回摘要
func ListMessages(page, pageSize int) ([]Preview, int64, error) {
	db := platform.DB

	var total int64
	if err := db.Model(&Message{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	var msgs []Message
	err := db.Order("timestamp DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch messages: %w", err)
	}

	previews := make([]Preview, 0, len(msgs))
	for _, m := range msgs {
		previews = append(previews, Preview{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			Preview:   buildPreview(m.Messages),
		})
	}
	return previews, total, nil
}

// SetScamperStep 只覆盖指定步骤, 其他步骤与原始 responses 不受影响
func SetScamperStep(id string, step string, results []string) error {
	msg, err := GetMessage(id)
	if err != nil {
		return err
	}
	if msg.Scamper == nil {
		msg.Scamper = StepMap{}
	}
	msg.Scamper[step] = results

	db := platform.DB
	if err := db.Model(&Message{}).Where("id = ?", id).Update("scamper", msg.Scamper).Error; err != nil {
		return fmt.Errorf("failed to update scamper step: %w", err)
	}
	return nil
}

func SetImageURL(id string, url string) error {
	if _, err := GetMessage(id); err != nil {
		return err
	}
	db := platform.DB
	if err := db.Model(&Message{}).Where("id = ?", id).Update("image_url", url).Error; err != nil {
		return fmt.Errorf("failed to update image url: %w", err)
	}
	return nil
}

const previewFallback = "(empty prompt)"

func buildPreview(prompts PromptList) string {
	limit := previewLimit()
	for _, p := range prompts {
		if p.Content == "" {
			continue
		}
		runes := []rune(p.Content)
		if len(runes) > limit {
			return string(runes[:limit]) + "..."
		}
		return p.Content
	}
	return previewFallback
}

func previewLimit() int {
	if v := os.Getenv("PREVIEW_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 80
}
