package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gopkg.in/gomail.v2"
)

// SMSConfig configures the HTTP SMS gateway.
type SMSConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Sender  string        `yaml:"sender"`
	Timeout time.Duration `yaml:"timeout"`
}

// SMSChannel posts text messages to an HTTP SMS gateway as JSON
// {"from", "to", "text"} with a bearer token.
type SMSChannel struct {
	config     SMSConfig
	httpClient *http.Client
}

// NewSMSChannel creates the SMS channel.
func NewSMSChannel(config SMSConfig) *SMSChannel {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &SMSChannel{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Kind implements Channel.
func (c *SMSChannel) Kind() ChannelKind { return ChannelSMS }

type smsRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send implements Channel.
func (c *SMSChannel) Send(ctx context.Context, r Recipient, msg Message) error {
	body, err := json.Marshal(smsRequest{From: c.config.Sender, To: r.Phone, Text: msg.Body})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
}

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailChannel sends notices over SMTP.
type EmailChannel struct {
	config EmailConfig
	sender mailSender
}

// NewEmailChannel creates the e-mail channel.
func NewEmailChannel(config EmailConfig) *EmailChannel {
	return &EmailChannel{
		config: config,
		sender: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

// Kind implements Channel.
func (c *EmailChannel) Kind() ChannelKind { return ChannelEmail }

// Send implements Channel.
func (c *EmailChannel) Send(ctx context.Context, r Recipient, msg Message) error {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", c.config.FromAddress, c.config.FromName)
	m.SetAddressHeader("To", r.Email, r.Name)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if err := runWithContext(ctx, func() error { return c.sender.DialAndSend(m) }); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// botSender is satisfied by *tgbotapi.BotAPI.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel sends structured messages to the customer's chat.
type TelegramChannel struct {
	bot botSender
}

// NewTelegramChannel connects to the Bot API with the token.
func NewTelegramChannel(token string) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

// Kind implements Channel.
func (c *TelegramChannel) Kind() ChannelKind { return ChannelMessage }

// Send implements Channel.
func (c *TelegramChannel) Send(ctx context.Context, r Recipient, msg Message) error {
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	out := tgbotapi.NewMessage(r.ChatID, text)
	out.DisableWebPagePreview = true

	return runWithContext(ctx, func() error {
		_, err := c.bot.Send(out)
		return err
	})
}

// runWithContext runs a blocking call that takes no context and gives up
// when ctx is done. The call itself keeps running in the background.
func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
