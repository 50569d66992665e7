// Package tracking builds and serves the verifiable open/click/unsubscribe
// surface: it stamps outgoing HTML with signed pixel and redirect URLs and
// turns hits on those URLs back into recorded events.
package tracking

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mailforge/platform/internal/pkg/logger"
	"github.com/mailforge/platform/internal/token"
)

// Injector rewrites outgoing email HTML with tracked URLs. It implements the
// decorator the sequence engine calls before handing a message to the mailer.
type Injector struct {
	signer  *token.Signer
	unsub   *token.UnsubscribeCodec
	baseURL string
}

// NewInjector creates an injector that prefixes all generated URLs with
// baseURL (scheme and host, no trailing slash).
func NewInjector(signer *token.Signer, unsub *token.UnsubscribeCodec, baseURL string) *Injector {
	return &Injector{signer: signer, unsub: unsub, baseURL: strings.TrimRight(baseURL, "/")}
}

// PixelURL returns the signed open-tracking pixel URL for one recipient.
func (in *Injector) PixelURL(campaignID, contactID uuid.UUID, email string) string {
	q := url.Values{}
	q.Set("cid", campaignID.String())
	q.Set("lid", contactID.String())
	q.Set("e", email)
	q.Set("t", in.signer.Sign(campaignID.String(), contactID.String(), email))
	return in.baseURL + "/track/open?" + q.Encode()
}

// ClickURL returns a signed redirect URL wrapping target.
func (in *Injector) ClickURL(campaignID, contactID uuid.UUID, email, target string) string {
	q := url.Values{}
	q.Set("cid", campaignID.String())
	q.Set("lid", contactID.String())
	q.Set("e", email)
	q.Set("url", target)
	q.Set("t", in.signer.Sign(campaignID.String(), contactID.String(), email, target))
	return in.baseURL + "/track/click?" + q.Encode()
}

// UnsubscribeURL returns the one-click unsubscribe URL carrying the encrypted
// contact/campaign/brand identity.
func (in *Injector) UnsubscribeURL(contactID, campaignID, brandID uuid.UUID) (string, error) {
	tok, err := in.unsub.Encode(token.UnsubscribePayload{
		ContactID:  contactID,
		CampaignID: campaignID,
		BrandID:    brandID,
	})
	if err != nil {
		return "", err
	}
	return in.baseURL + "/unsubscribe/" + tok, nil
}

// Decorate injects the open pixel before </body> and swaps every external
// href for its tracked redirect. Already-tracked and unsubscribe links are
// left alone.
func (in *Injector) Decorate(html string, campaignID, contactID uuid.UUID, email string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`,
		in.PixelURL(campaignID, contactID, email))
	if strings.Contains(html, "</body>") {
		html = strings.Replace(html, "</body>", pixel+"</body>", 1)
	} else {
		html += pixel
	}
	return in.rewriteLinks(html, campaignID, contactID, email)
}

// UnsubscribeHeaders returns the List-Unsubscribe SMTP headers for a message.
// A token encode failure yields no headers rather than blocking the send.
func (in *Injector) UnsubscribeHeaders(contactID, campaignID, brandID uuid.UUID) map[string]string {
	u, err := in.UnsubscribeURL(contactID, campaignID, brandID)
	if err != nil {
		logger.Warn("unsubscribe token encode failed", "contact", contactID.String(), "error", err)
		return nil
	}
	return map[string]string{
		"List-Unsubscribe":      fmt.Sprintf("<%s>", u),
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}

func (in *Injector) rewriteLinks(html string, campaignID, contactID uuid.UUID, email string) string {
	const marker = `href="http`

	var b strings.Builder
	rest := html
	for {
		i := strings.Index(rest, marker)
		if i == -1 {
			b.WriteString(rest)
			break
		}
		i += len(`href="`)
		b.WriteString(rest[:i])
		rest = rest[i:]

		j := strings.Index(rest, `"`)
		if j == -1 {
			b.WriteString(rest)
			break
		}
		target := rest[:j]
		if strings.Contains(target, "/track/") || strings.Contains(target, "/unsubscribe") {
			b.WriteString(target)
		} else {
			b.WriteString(in.ClickURL(campaignID, contactID, email, target))
		}
		rest = rest[j:]
	}
	return b.String()
}
