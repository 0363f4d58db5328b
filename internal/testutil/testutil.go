// Package testutil provides shared fakes for exercising the conversation
// pipeline without external services.
package testutil

import (
	"context"
	"sync"

	"github.com/XSirch/evoflow/internal/genai"
	"github.com/XSirch/evoflow/internal/models"
)

// FakeEmbedder returns deterministic vectors keyed by input text. Unknown
// inputs get the Default vector; a non-nil Err fails every call.
type FakeEmbedder struct {
	Vectors map[string][]float32
	Default []float32
	Err     error
	Calls   int
}

func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if v, ok := f.Vectors[text]; ok {
		return v, nil
	}
	if f.Default != nil {
		return f.Default, nil
	}
	return []float32{1, 0, 0}, nil
}

// FakeCompleter returns canned results in order, repeating the last one when
// calls exceed the script. It records every request.
type FakeCompleter struct {
	Results  []genai.Result
	Requests []genai.Request
	Calls    int
}

func (f *FakeCompleter) Complete(ctx context.Context, req genai.Request) genai.Result {
	f.Requests = append(f.Requests, req)
	f.Calls++
	if len(f.Results) == 0 {
		return genai.Result{Text: "ok"}
	}
	i := f.Calls - 1
	if i >= len(f.Results) {
		i = len(f.Results) - 1
	}
	return f.Results[i]
}

// SentText records one text delivery on the fake messaging service.
type SentText struct {
	To   string
	Body string
}

// SentDocument records one document delivery on the fake messaging service.
type SentDocument struct {
	To      string
	URL     string
	Caption string
}

// FakeMessagingService implements messaging.Service in memory.
type FakeMessagingService struct {
	mu        sync.Mutex
	Texts     []SentText
	Documents []SentDocument
	SendErr   error
	inbound   chan models.InboundMessage
}

func NewFakeMessagingService() *FakeMessagingService {
	return &FakeMessagingService{inbound: make(chan models.InboundMessage, 16)}
}

func (f *FakeMessagingService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return models.NormalizePhone(recipient), nil
}

func (f *FakeMessagingService) SendMessage(ctx context.Context, to string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Texts = append(f.Texts, SentText{To: to, Body: body})
	return nil
}

func (f *FakeMessagingService) SendDocument(ctx context.Context, to string, documentURL string, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Documents = append(f.Documents, SentDocument{To: to, URL: documentURL, Caption: caption})
	return nil
}

func (f *FakeMessagingService) Start(ctx context.Context) error { return nil }

func (f *FakeMessagingService) Stop() error { return nil }

func (f *FakeMessagingService) Inbound() <-chan models.InboundMessage { return f.inbound }

// Emit injects an inbound message, as a live gateway would.
func (f *FakeMessagingService) Emit(msg models.InboundMessage) {
	f.inbound <- msg
}

// SentTexts returns a copy of delivered texts, safe for concurrent checks.
func (f *FakeMessagingService) SentTexts() []SentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentText, len(f.Texts))
	copy(out, f.Texts)
	return out
}

// SentDocuments returns a copy of delivered documents.
func (f *FakeMessagingService) SentDocuments() []SentDocument {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentDocument, len(f.Documents))
	copy(out, f.Documents)
	return out
}
