package utils

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPMailer delivers through a JSON transactional-email API
type HTTPMailer struct {
	Endpoint string
	APIKey   string
	Client   *fasthttp.Client
}

func NewHTTPMailer(endpoint, apiKey string) *HTTPMailer {
	return &HTTPMailer{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client: &fasthttp.Client{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

type httpMailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type httpMailRequest struct {
	From    httpMailAddress   `json:"from"`
	To      []httpMailAddress `json:"to"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text,omitempty"`
}

type httpMailResponse struct {
	ID string `json:"id"`
}

func (m *HTTPMailer) Send(email Email) (string, error) {
	payload, err := json.Marshal(httpMailRequest{
		From:    httpMailAddress{Email: email.FromEmail, Name: email.FromName},
		To:      []httpMailAddress{{Email: email.To, Name: email.ToName}},
		ReplyTo: email.ReplyTo,
		Subject: email.Subject,
		HTML:    email.HTML,
		Text:    email.Text,
	})
	if err != nil {
		return "", fmt.Errorf("encoding mail request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(m.Endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)
	req.SetBody(payload)

	if err := m.Client.Do(req, resp); err != nil {
		return "", &DeliveryError{StatusCode: 0, Response: err.Error()}
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return "", &DeliveryError{StatusCode: status, Response: string(resp.Body())}
	}

	var parsed httpMailResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil || parsed.ID == "" {
		// Provider accepted the message but returned no usable id
		return "", nil
	}
	return parsed.ID, nil
}
