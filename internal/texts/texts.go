// ABOUTME: Localized texts that channel adapters show to customers and agents
// ABOUTME: Providers are looked up by language; composed texts are markdown with HTML rendering

package texts

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/frontdesk/internal/store"
)

// Format says how Text.Body should be interpreted.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
)

// Text is a composed message ready to hand to a channel adapter.
type Text struct {
	Body   string
	Format Format
}

// HTML renders the text for channels that accept HTML bodies. Plain text is
// escaped; markdown goes through goldmark.
func (t Text) HTML() string {
	if t.Format != FormatMarkdown {
		return html.EscapeString(t.Body)
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(t.Body), &buf); err != nil {
		return html.EscapeString(t.Body)
	}
	return strings.TrimSpace(buf.String())
}

// Provider supplies every user-facing string in one language.
type Provider interface {
	Language() string

	CustomerStart() string
	CustomerResolved(rating int) string
	RatingPrompt() string

	AgentStart() string
	AgentPermissionDenied() string
	WorkplaceNotAssigned() string
	AgentConversationResolved() string
	AgentConversationPostponed() string
	AssignToMeButton() string

	TagCreated(name string) string
	TagAlreadyExists(name string) string
	TagPermissionDenied() string
	TagUsage() string
	AddTagButton(name string) string
	RemoveTagButton(name string) string

	NewConversationNotification(conv *store.Conversation, customer *store.Customer) Text
	CustomerProfile(customer *store.Customer) Text
}

var providers = map[string]Provider{
	"en": English{},
	"ru": Russian{},
}

// DefaultLanguage is used when no language is configured.
const DefaultLanguage = "en"

// Lookup returns the provider for lang. An empty lang selects the default.
func Lookup(lang string) (Provider, error) {
	if lang == "" {
		lang = DefaultLanguage
	}
	p, ok := providers[lang]
	if !ok {
		return nil, fmt.Errorf("unknown texts language %q (available: %s)", lang, strings.Join(Languages(), ", "))
	}
	return p, nil
}

// Languages lists the available provider languages.
func Languages() []string {
	out := make([]string, 0, len(providers))
	for lang := range providers {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// FormatRating renders a 1..5 rating as stars.
func FormatRating(rating int) string {
	rating = max(0, min(rating, 5))
	return strings.Repeat("★", rating) + strings.Repeat("☆", 5-rating)
}

// labels holds the words that differ between languages in composed texts.
type labels struct {
	newConversation string
	customer        string
	agent           string
	attachment      string
	name            string
	username        string
	tags            string
	noMessages      string
}

// escapeMarkdown keeps user-supplied text from being read as markup.
var escapeMarkdown = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`, "#", `\#`, "<", "&lt;", ">", "&gt;",
)

func composeNotification(l labels, conv *store.Conversation, customer *store.Customer) Text {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", l.newConversation)
	if customer != nil {
		if who := displayName(customer); who != "" {
			fmt.Fprintf(&b, " %s", escapeMarkdown.Replace(who))
		}
	}
	b.WriteString("\n\n")

	if conv != nil && len(conv.Tags) > 0 {
		names := make([]string, 0, len(conv.Tags))
		for _, t := range conv.Tags {
			names = append(names, "`"+t.Name+"`")
		}
		fmt.Fprintf(&b, "%s: %s\n\n", l.tags, strings.Join(names, ", "))
	}

	wrote := false
	if conv != nil {
		for _, m := range conv.Messages {
			line := formatMessage(l, m)
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteString("\n\n")
			wrote = true
		}
	}
	if !wrote {
		fmt.Fprintf(&b, "_%s_\n", l.noMessages)
	}
	return Text{Body: strings.TrimRight(b.String(), "\n"), Format: FormatMarkdown}
}

func formatMessage(l labels, m store.Message) string {
	var from string
	switch m.Author {
	case store.AuthorCustomer:
		from = l.customer
	case store.AuthorAgent:
		from = l.agent
	default:
		// Lifecycle markers are noise in a notification.
		return ""
	}
	switch m.Kind {
	case store.MessageKindAttachment:
		name := l.attachment
		if m.Attachment != nil && m.Attachment.Name != "" {
			name = m.Attachment.Name
		}
		return fmt.Sprintf("**%s:** _%s_", from, escapeMarkdown.Replace(name))
	default:
		return fmt.Sprintf("**%s:** %s", from, escapeMarkdown.Replace(m.Text))
	}
}

func composeProfile(l labels, c *store.Customer) Text {
	if c == nil {
		return Text{Format: FormatMarkdown}
	}
	var lines []string
	if c.Profile.Name != "" {
		lines = append(lines, fmt.Sprintf("**%s:** %s", l.name, escapeMarkdown.Replace(c.Profile.Name)))
	}
	if c.Profile.Username != "" {
		lines = append(lines, fmt.Sprintf("**%s:** %s", l.username, escapeMarkdown.Replace(c.Profile.Username)))
	}
	keys := make([]string, 0, len(c.Profile.Contacts))
	for k := range c.Profile.Contacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("**%s:** %s", escapeMarkdown.Replace(k), escapeMarkdown.Replace(c.Profile.Contacts[k])))
	}
	for _, ident := range c.Identifications {
		lines = append(lines, fmt.Sprintf("**%s:** `%s`", escapeMarkdown.Replace(ident.Channel), ident.Key))
	}
	return Text{Body: strings.Join(lines, "\n\n"), Format: FormatMarkdown}
}

func displayName(c *store.Customer) string {
	switch {
	case c.Profile.Name != "" && c.Profile.Username != "":
		return fmt.Sprintf("%s (@%s)", c.Profile.Name, c.Profile.Username)
	case c.Profile.Name != "":
		return c.Profile.Name
	case c.Profile.Username != "":
		return "@" + c.Profile.Username
	default:
		return ""
	}
}
