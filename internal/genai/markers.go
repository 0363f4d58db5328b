package genai

import (
	"strings"

	"github.com/XSirch/evoflow/internal/models"
)

// Control markers are the in-band side-channel protocol between the language
// model and the orchestrator. The system prompt instructs the model to append
// them to a reply; they are stripped before the text reaches the customer.
// The protocol is provider-agnostic and tolerates partial model compliance.
const (
	// MarkerPermissionAllow records marketing consent for the contact.
	MarkerPermissionAllow = "[PERMISSAO_CONCEDIDA]"
	// MarkerPermissionDeny records a marketing opt-out for the contact.
	MarkerPermissionDeny = "[PERMISSAO_NEGADA]"
	// MarkerHandover transfers the conversation to a human operator.
	MarkerHandover = "[ATENDIMENTO_HUMANO]"
	// MarkerSendDocument requests delivery of the tenant's reference document.
	MarkerSendDocument = "[ENVIAR_DOCUMENTO]"
)

// SideEffects is the structured form of the control markers found in a reply.
type SideEffects struct {
	// PermissionUpdate is nil when no permission marker was present.
	PermissionUpdate *models.Permission
	Handover         bool
	SendDocument     bool
}

// ParseMarkers strips all control markers from a reply and returns the
// visible text plus the extracted side effects. Markers are order-independent
// and repeated occurrences of the same marker are idempotent. Deny wins when
// both permission markers appear; the model contradicting itself is treated
// as an opt-out.
func ParseMarkers(text string) (string, SideEffects) {
	var fx SideEffects

	if strings.Contains(text, MarkerPermissionAllow) {
		p := models.PermissionAllowed
		fx.PermissionUpdate = &p
		text = strings.ReplaceAll(text, MarkerPermissionAllow, "")
	}
	if strings.Contains(text, MarkerPermissionDeny) {
		p := models.PermissionDenied
		fx.PermissionUpdate = &p
		text = strings.ReplaceAll(text, MarkerPermissionDeny, "")
	}
	if strings.Contains(text, MarkerHandover) {
		fx.Handover = true
		text = strings.ReplaceAll(text, MarkerHandover, "")
	}
	if strings.Contains(text, MarkerSendDocument) {
		fx.SendDocument = true
		text = strings.ReplaceAll(text, MarkerSendDocument, "")
	}

	return strings.TrimSpace(text), fx
}

// documentRequestKeywords match customer messages that ask for the tenant's
// reference document.
var documentRequestKeywords = []string{
	"documento",
	"document",
	"catálogo",
	"catalogo",
	"catalog",
	"cardápio",
	"cardapio",
	"menu",
	"tabela de preço",
	"price list",
	"pdf",
	"arquivo",
	"file",
}

// documentSendingClaims match reply text in which the model claims to be
// sending the document.
var documentSendingClaims = []string{
	"enviando o documento",
	"enviando o arquivo",
	"enviando o catálogo",
	"enviando o cardápio",
	"segue o documento",
	"segue o arquivo",
	"segue em anexo",
	"estou enviando",
	"vou enviar o",
	"sending the document",
	"sending the file",
	"sending it over",
	"here is the document",
}

// ShouldForceSendDocument is the second, independent document-send detection
// path: the model omitted the marker, but the customer asked for the document
// and the reply claims to be sending it. Compensates for model omissions.
func ShouldForceSendDocument(userMessage, replyText string) bool {
	user := strings.ToLower(userMessage)
	reply := strings.ToLower(replyText)

	requested := false
	for _, kw := range documentRequestKeywords {
		if strings.Contains(user, kw) {
			requested = true
			break
		}
	}
	if !requested {
		return false
	}
	for _, claim := range documentSendingClaims {
		if strings.Contains(reply, claim) {
			return true
		}
	}
	return false
}
