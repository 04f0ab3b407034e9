// Package intent resolves the purpose of inbound messages.
//
// Resolution is a two-stage pipeline: deterministic local rules cover the
// common, unambiguous cases (menu words, polite confirmations, explicit
// keywords) so the external classifier is only consulted when nothing local
// fires. The resolver never returns an error to its caller; classifier
// failures degrade to the unknown intent.
package intent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/glassystudio/agendabot/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Classifier is the external fallback that extracts a structured intent when
// no local rule matches.
type Classifier interface {
	ExtractIntent(ctx context.Context, message string, history []models.HistoryMessage) (models.ResolvedIntent, error)
}

// yesPhrases are exact-match affirmative confirmations after normalization.
var yesPhrases = map[string]bool{
	"sim": true, "pode ser": true, "aham": true, "claro": true, "confirmo": true,
	"ok": true, "okk": true, "okay": true, "anhan": true, "uhum": true, "certo": true,
	"beleza": true, "blz": true, "positivo": true, "ta": true, "combinado": true,
	"perfeito": true, "isso mesmo": true, "isso ai": true, "show": true, "top": true,
	"fe": true, "bora": true, "demoro": true, "esse mesmo": true,
}

// noPhrases are exact-match negative confirmations after normalization.
var noPhrases = map[string]bool{
	"nao": true, "nenhum": true, "deixa pra la": true, "sair": true, "cancela": true,
	"depois": true, "negativo": true, "nunca": true, "prefiro nao": true,
	"acho que nao": true, "to fora": true, "nem": true,
}

// emojiTokens maps a fixed emoji set to textual yes/no tokens before accent
// stripping removes them entirely.
var emojiTokens = map[string]string{
	"👍": " sim ", "👌": " sim ", "✅": " sim ",
	"❌": " nao ", "🚫": " nao ", "🙅": " nao ",
}

var greetingPhrases = map[string]bool{
	"oi": true, "ola": true, "bom dia": true, "boa tarde": true, "boa noite": true,
}

var (
	stripAccents    = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// Normalize lower-cases, maps the emoji set to tokens, strips diacritics and
// collapses whitespace.
func Normalize(text string) string {
	out := strings.ToLower(strings.TrimSpace(text))
	for emoji, token := range emojiTokens {
		out = strings.ReplaceAll(out, emoji, token)
	}
	if stripped, _, err := transform.String(stripAccents, out); err == nil {
		out = stripped
	}
	out = whitespaceRegex.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// localConfirmation matches the message against the curated yes/no phrase sets.
func localConfirmation(message string) (models.ResolvedIntent, bool) {
	normalized := Normalize(message)
	if yesPhrases[normalized] {
		return models.ResolvedIntent{Intent: models.IntentConfirmation, Confirmation: models.ConfirmationYes}, true
	}
	if noPhrases[normalized] {
		return models.ResolvedIntent{Intent: models.IntentConfirmation, Confirmation: models.ConfirmationNo}, true
	}
	return models.ResolvedIntent{}, false
}

// localIntent applies the ordered keyword rules; first match wins.
func localIntent(message string) (models.ResolvedIntent, bool) {
	normalized := Normalize(message)

	// Greetings must be exact short phrases, never inferred from names.
	if greetingPhrases[normalized] {
		return models.ResolvedIntent{Intent: models.IntentGreeting}, true
	}
	if containsAny(normalized, "obrigado", "obrigada", "obg", "valeu", "agradecido", "show de bola") {
		return models.ResolvedIntent{Intent: models.IntentThanking}, true
	}
	if containsAny(normalized, "curso", "aula", "aprender") {
		return models.ResolvedIntent{Intent: models.IntentCourseInfo}, true
	}
	if containsAny(normalized, "cancelar", "desmarcar", "imprevisto") {
		return models.ResolvedIntent{Intent: models.IntentCancel}, true
	}
	if containsAny(normalized, "valor", "preco", "quanto") && !strings.Contains(normalized, "curso") {
		return models.ResolvedIntent{Intent: models.IntentGetInfo}, true
	}
	if containsAny(normalized, "horario", "agenda", "so tem esses horarios") {
		return models.ResolvedIntent{Intent: models.IntentAskAvailability}, true
	}
	return models.ResolvedIntent{}, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Resolver combines the local rules with the external classifier fallback.
type Resolver struct {
	classifier Classifier
}

// NewResolver creates a Resolver. classifier may be nil, in which case
// messages that fall through the local rules resolve as unknown.
func NewResolver(classifier Classifier) *Resolver {
	return &Resolver{classifier: classifier}
}

// Resolve classifies one inbound message. It never fails: any classifier
// problem resolves as the unknown intent.
func (r *Resolver) Resolve(ctx context.Context, message string, history []models.HistoryMessage) models.ResolvedIntent {
	if resolved, ok := localConfirmation(message); ok {
		slog.Debug("Resolver.Resolve: local confirmation match", "confirmation", resolved.Confirmation)
		return resolved
	}
	if resolved, ok := localIntent(message); ok {
		slog.Debug("Resolver.Resolve: local intent match", "intent", resolved.Intent)
		return resolved
	}

	if r.classifier == nil {
		slog.Debug("Resolver.Resolve: no classifier configured, returning unknown")
		return models.ResolvedIntent{Intent: models.IntentUnknown}
	}

	resolved, err := r.classifier.ExtractIntent(ctx, message, history)
	if err != nil {
		slog.Warn("Resolver.Resolve: classifier failed, returning unknown", "error", err)
		return models.ResolvedIntent{Intent: models.IntentUnknown}
	}
	resolved.Normalize()
	slog.Debug("Resolver.Resolve: classifier result", "intent", resolved.Intent)
	return resolved
}
