package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

// GeneratorClient asks the text-generation service for the next message.
type GeneratorClient struct {
	url      string
	token    string
	client   *http.Client
	validate *validator.Validate
}

func NewGeneratorClient(url, token string, timeout time.Duration) *GeneratorClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeneratorClient{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type generateRequest struct {
	LeadID  string                      `json:"leadId"`
	History []model.ConversationMessage `json:"history"`
	Context map[string]string           `json:"context,omitempty"`
}

type generateResponse struct {
	Text string `json:"text" validate:"required"`
}

// Generate returns the message text for a lead. Blank text is an error.
func (c *GeneratorClient) Generate(ctx context.Context, leadID string, history []model.ConversationMessage, extra map[string]string) (string, error) {
	if history == nil {
		history = []model.ConversationMessage{}
	}
	reqBody, err := json.Marshal(generateRequest{
		LeadID:  leadID,
		History: history,
		Context: extra,
	})
	if err != nil {
		return "", err
	}

	body, status, err := post(ctx, c.client, c.url, c.token, reqBody)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d body=%q", status, string(body))
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	gr.Text = strings.TrimSpace(gr.Text)
	if err := c.validate.Struct(gr); err != nil {
		return "", fmt.Errorf("empty text in response body=%q", string(body))
	}

	return gr.Text, nil
}
