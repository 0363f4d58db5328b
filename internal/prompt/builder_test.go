package prompt

import (
	"strings"
	"testing"

	"github.com/XSirch/evoflow/internal/genai"
	"github.com/XSirch/evoflow/internal/knowledge"
	"github.com/XSirch/evoflow/internal/models"
)

func testInput() Input {
	return Input{
		Tenant: &models.Tenant{
			ID:          "t1",
			Name:        "Pizzaria do Zé",
			Description: "Pizzaria artesanal no centro",
			Tone:        models.ToneFriendly,
		},
		Contact: &models.Contact{
			ID:         "ct1",
			Permission: models.PermissionAllowed,
		},
		Knowledge: knowledge.Context{Text: "Hours: 9-18 Mon-Fri"},
	}
}

func TestBuildSystemPromptIdentityAndKnowledge(t *testing.T) {
	got := BuildSystemPrompt(testInput())

	for _, want := range []string{
		"Pizzaria do Zé",
		"Pizzaria artesanal no centro",
		"--- BUSINESS KNOWLEDGE ---",
		"Hours: 9-18 Mon-Fri",
		"warm, approachable",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildSystemPromptNoKnowledgeFallsBackToApology(t *testing.T) {
	in := testInput()
	in.Knowledge = knowledge.Context{}

	got := BuildSystemPrompt(in)
	if strings.Contains(got, "--- BUSINESS KNOWLEDGE ---") {
		t.Error("empty knowledge must not render a knowledge block")
	}
	if !strings.Contains(got, "No business knowledge is available") {
		t.Error("prompt missing the no-knowledge instruction")
	}
}

func TestBuildSystemPromptToneGuides(t *testing.T) {
	cases := map[models.Tone]string{
		models.ToneFormal:       "formal, professional",
		models.ToneFriendly:     "warm, approachable",
		models.ToneEnthusiastic: "upbeat, energetic",
	}
	for tone, want := range cases {
		in := testInput()
		in.Tenant.Tone = tone
		if got := BuildSystemPrompt(in); !strings.Contains(got, want) {
			t.Errorf("tone %s: prompt missing %q", tone, want)
		}
	}
}

func TestBuildSystemPromptMarkerProtocol(t *testing.T) {
	in := testInput()
	got := BuildSystemPrompt(in)

	for _, marker := range []string{genai.MarkerPermissionAllow, genai.MarkerPermissionDeny, genai.MarkerHandover} {
		if !strings.Contains(got, marker) {
			t.Errorf("prompt missing marker %s", marker)
		}
	}
	if strings.Contains(got, genai.MarkerSendDocument) {
		t.Error("document marker must be absent when the tenant has no document")
	}

	in.Tenant.DocumentURL = "/files/cardapio.pdf"
	got = BuildSystemPrompt(in)
	if !strings.Contains(got, genai.MarkerSendDocument) {
		t.Error("document marker missing for tenant with a document")
	}
}

func TestBuildSystemPromptFirstTurn(t *testing.T) {
	in := testInput()
	in.FirstTurn = true

	got := BuildSystemPrompt(in)
	if !strings.Contains(got, "first message") {
		t.Error("first turn must carry the greeting instruction")
	}
	if !strings.Contains(got, "ask for their name") {
		t.Error("unnamed contact on first turn must trigger the name request")
	}

	in.Contact.Name = "Maria"
	got = BuildSystemPrompt(in)
	if strings.Contains(got, "ask for their name") {
		t.Error("known name must suppress the name request")
	}
	if !strings.Contains(got, "The customer's name is Maria") {
		t.Error("known name missing from the contact section")
	}
}

func TestBuildSystemPromptPermissionStates(t *testing.T) {
	in := testInput()
	in.Contact.Permission = models.PermissionDenied

	got := BuildSystemPrompt(in)
	if !strings.Contains(got, "opted out of promotional messages") {
		t.Error("denied permission missing from prompt")
	}
}
