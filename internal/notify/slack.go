// Package notify forwards build outcomes to chat channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/kayz/specforge/internal/logger"
	"github.com/kayz/specforge/internal/pipeline"
	"github.com/kayz/specforge/internal/progress"
)

const (
	queueSize   = 64
	postTimeout = 10 * time.Second
)

// PostFunc delivers a webhook message.
type PostFunc func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// SlackSink posts finish and warning events to a Slack incoming webhook.
// Emit never blocks: messages are queued and delivered by a single worker,
// and dropped when the queue is full.
type SlackSink struct {
	url  string
	post PostFunc

	queue chan *slack.WebhookMessage
	wg    sync.WaitGroup
	once  sync.Once
}

// NewSlackSink starts a sink for the webhook url.
func NewSlackSink(url string) *SlackSink {
	return newSlackSink(url, slack.PostWebhookContext)
}

func newSlackSink(url string, post PostFunc) *SlackSink {
	s := &SlackSink{
		url:   url,
		post:  post,
		queue: make(chan *slack.WebhookMessage, queueSize),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *SlackSink) Emit(e pipeline.Event) {
	msg := formatEvent(e)
	if msg == nil {
		return
	}
	select {
	case s.queue <- msg:
	default:
		logger.Warn("[Notify] Slack queue full, dropping %s event for %s", e.Type, e.DocumentID)
	}
}

// Close delivers what is queued and stops the worker.
func (s *SlackSink) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *SlackSink) loop() {
	defer s.wg.Done()
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		if err := s.post(ctx, s.url, msg); err != nil {
			logger.Warn("[Notify] Slack webhook failed: %v", err)
		}
		cancel()
	}
}

// formatEvent renders the events worth a notification. Step and data
// events return nil.
func formatEvent(e pipeline.Event) *slack.WebhookMessage {
	switch p := e.Payload.(type) {
	case pipeline.FinishPayload:
		return finishMessage(e.DocumentID, p)
	case pipeline.WarningPayload:
		return &slack.WebhookMessage{
			Text: fmt.Sprintf(":warning: `%s` %s: %s", e.DocumentID, p.Phase, p.Message),
		}
	}
	return nil
}

func finishMessage(docID string, p pipeline.FinishPayload) *slack.WebhookMessage {
	var title, color string
	switch p.Status {
	case progress.StatusComplete:
		title, color = "Agent build complete", "good"
	case progress.StatusTimeout:
		title, color = "Agent build timed out", "warning"
	default:
		title, color = "Agent build failed", "danger"
	}
	if p.Result != nil && p.Result.Title != "" {
		title += ": " + p.Result.Title
	}

	fields := []slack.AttachmentField{{Title: "Document", Value: docID, Short: true}}
	if p.LastCompletedPhase != "" {
		fields = append(fields, slack.AttachmentField{Title: "Last phase", Value: string(p.LastCompletedPhase), Short: true})
	}
	if p.CanResume {
		fields = append(fields, slack.AttachmentField{Title: "Resumable", Value: "yes", Short: true})
	}
	if p.Error != "" {
		fields = append(fields, slack.AttachmentField{Title: "Error", Value: p.Error})
	}
	if p.Result != nil {
		s := p.Result.Summary
		fields = append(fields, slack.AttachmentField{
			Title: "Contents",
			Value: fmt.Sprintf("%d models, %d enums, %d actions, %d schedules", len(s.Models), len(s.Enums), len(s.Actions), len(s.Schedules)),
		})
		if len(s.Models) > 0 {
			fields = append(fields, slack.AttachmentField{Title: "Models", Value: strings.Join(s.Models, ", ")})
		}
	}

	return &slack.WebhookMessage{
		Text: title,
		Attachments: []slack.Attachment{{
			Color:  color,
			Fields: fields,
		}},
	}
}
