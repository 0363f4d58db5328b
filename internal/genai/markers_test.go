package genai

import (
	"strings"
	"testing"

	"github.com/XSirch/evoflow/internal/models"
)

func TestParseMarkers(t *testing.T) {
	t.Run("no markers", func(t *testing.T) {
		text, fx := ParseMarkers("Estamos abertos das 9 às 18.")
		if text != "Estamos abertos das 9 às 18." {
			t.Errorf("text altered: %q", text)
		}
		if fx.PermissionUpdate != nil || fx.Handover || fx.SendDocument {
			t.Errorf("unexpected side effects: %+v", fx)
		}
	})

	t.Run("permission deny stripped", func(t *testing.T) {
		text, fx := ParseMarkers("Entendido, não enviaremos mais mensagens. " + MarkerPermissionDeny)
		if strings.Contains(text, "[") {
			t.Errorf("marker text leaked: %q", text)
		}
		if fx.PermissionUpdate == nil || *fx.PermissionUpdate != models.PermissionDenied {
			t.Errorf("expected denied permission update, got %+v", fx.PermissionUpdate)
		}
	})

	t.Run("permission allow", func(t *testing.T) {
		_, fx := ParseMarkers("Ótimo! " + MarkerPermissionAllow)
		if fx.PermissionUpdate == nil || *fx.PermissionUpdate != models.PermissionAllowed {
			t.Errorf("expected allowed permission update, got %+v", fx.PermissionUpdate)
		}
	})

	t.Run("duplicate markers are idempotent", func(t *testing.T) {
		text, fx := ParseMarkers("Vou te transferir. " + MarkerHandover + " " + MarkerHandover)
		if !fx.Handover {
			t.Error("expected handover")
		}
		if strings.Contains(text, MarkerHandover) {
			t.Errorf("duplicate marker not fully stripped: %q", text)
		}
	})

	t.Run("multiple markers order independent", func(t *testing.T) {
		text, fx := ParseMarkers(MarkerSendDocument + " Segue o catálogo! " + MarkerHandover)
		if !fx.SendDocument || !fx.Handover {
			t.Errorf("expected both side effects, got %+v", fx)
		}
		if text != "Segue o catálogo!" {
			t.Errorf("unexpected text: %q", text)
		}
	})

	t.Run("deny wins over allow", func(t *testing.T) {
		_, fx := ParseMarkers("ok " + MarkerPermissionAllow + MarkerPermissionDeny)
		if fx.PermissionUpdate == nil || *fx.PermissionUpdate != models.PermissionDenied {
			t.Errorf("expected deny to win, got %+v", fx.PermissionUpdate)
		}
	})
}

func TestShouldForceSendDocument(t *testing.T) {
	cases := []struct {
		name  string
		user  string
		reply string
		want  bool
	}{
		{"keyword and claim pt", "pode me mandar o catálogo?", "Claro! Estou enviando o catálogo agora.", true},
		{"keyword and claim en", "do you have a price list pdf?", "Sure, sending the file now!", true},
		{"keyword without claim", "vocês têm cardápio?", "Temos sim, servimos pizzas e massas.", false},
		{"claim without keyword", "qual o horário?", "Segue o documento em anexo.", false},
		{"neither", "oi", "Olá! Como posso ajudar?", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldForceSendDocument(tc.user, tc.reply); got != tc.want {
				t.Errorf("ShouldForceSendDocument(%q, %q) = %v, want %v", tc.user, tc.reply, got, tc.want)
			}
		})
	}
}
