package notifier

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// TelegramNotifier posts messages to a Telegram chat.
type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration

	client *http.Client
}

// NewTelegramNotifier creates a notifier. proxyURL may be empty.
func NewTelegramNotifier(token, chatID, proxyURL string, retries int, delay time.Duration) *TelegramNotifier {
	client := &http.Client{Timeout: 10 * time.Second}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
		} else {
			log.Printf("[notifier] invalid proxy url %q: %v", proxyURL, err)
		}
	}
	if retries < 1 {
		retries = 1
	}
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		Retries: retries,
		Delay:   delay,
		client:  client,
	}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry attempts Send up to Retries times with Delay between
// attempts, returning the last error.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	for i := 0; i < t.Retries; i++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		log.Printf("[notifier] send attempt %d/%d failed: %v", i+1, t.Retries, err)
		if i < t.Retries-1 {
			time.Sleep(t.Delay)
		}
	}
	return err
}
