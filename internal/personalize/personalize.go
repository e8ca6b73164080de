// Package personalize fills per-recipient variables into a message template.
//
// Supported variables:
//
//	{isim}     first word of the recipient name
//	{soyisim}  remaining words of the recipient name
//	{tarih}    current date as dd.mm.yyyy
//
// An unsubscribe footer is appended to messages for individual recipients
// when an unsubscribe URL is configured.
package personalize

import (
	"net/url"
	"strings"
	"time"

	"wacrm/internal/transport"
)

const (
	DefaultFirstName = "İsim"
	DefaultLastName  = "Soyisim"
	DefaultFooter    = "Bu mesajları almak istemiyorsanız buraya tıklayın:"
	DateLayout       = "02.01.2006"

	// OptOutKeyword is the reply that unsubscribes a sender.
	OptOutKeyword = "ABONELIK IPTAL"

	separator = "━━━━━━━━━━━━━━━━━━━━"
)

type Config struct {
	FirstNameDefault string
	LastNameDefault  string
	// UnsubscribeURL is the public link target; "?id=<recipient>" is appended.
	UnsubscribeURL string
	Footer         string
	Location       *time.Location
}

type Renderer struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Renderer {
	if cfg.FirstNameDefault == "" {
		cfg.FirstNameDefault = DefaultFirstName
	}
	if cfg.LastNameDefault == "" {
		cfg.LastNameDefault = DefaultLastName
	}
	if cfg.Footer == "" {
		cfg.Footer = DefaultFooter
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Renderer{cfg: cfg, now: time.Now}
}

// Render substitutes every variable occurrence and appends the footer.
func (r *Renderer) Render(rcpt transport.Recipient, message string) string {
	first, last := SplitName(rcpt.Name)
	if first == "" {
		first = r.cfg.FirstNameDefault
	}
	if last == "" {
		last = r.cfg.LastNameDefault
	}
	out := strings.NewReplacer(
		"{isim}", first,
		"{soyisim}", last,
		"{tarih}", r.now().In(r.cfg.Location).Format(DateLayout),
	).Replace(message)

	if link := r.UnsubscribeLink(rcpt); link != "" {
		out += "\n\n" + separator + "\n📧 " + r.cfg.Footer + " " + link
	}
	return out
}

// UnsubscribeLink returns "" for groups or when no URL is configured.
func (r *Renderer) UnsubscribeLink(rcpt transport.Recipient) string {
	if r.cfg.UnsubscribeURL == "" || rcpt.Kind == transport.Group {
		return ""
	}
	sep := "?"
	if strings.Contains(r.cfg.UnsubscribeURL, "?") {
		sep = "&"
	}
	return r.cfg.UnsubscribeURL + sep + "id=" + url.QueryEscape(strings.TrimSpace(rcpt.ID))
}

// SplitName splits on whitespace: the first word, then the rest.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// IsOptOut reports whether an inbound message asks to unsubscribe.
func IsOptOut(text string) bool {
	t := strings.ToUpper(strings.TrimSpace(text))
	t = strings.ReplaceAll(t, "İ", "I")
	return strings.HasPrefix(t, OptOutKeyword)
}
