// Package classify decides what an inbound mail asks the bridge to do.
package classify

import (
	"regexp"
	"strings"
)

// Disposition is the outcome of classifying one message.
type Disposition int

const (
	Noise Disposition = iota
	Dispatch
	Subscribe
	Unsubscribe
)

func (d Disposition) String() string {
	switch d {
	case Dispatch:
		return "dispatch"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	default:
		return "noise"
	}
}

// Folder is where the message is moved after classification.
func (d Disposition) Folder() string {
	if d == Noise {
		return "Junk"
	}

	return "Trash"
}

// Result carries the disposition and the normalized sender address.
type Result struct {
	Disposition Disposition
	Sender      string
}

var (
	addressPattern = regexp.MustCompile(`(?i)[a-z0-9_\-+.]+@[a-z0-9\-]+\.([a-z]{2,4})(?:\.[a-z]{2})?`)
	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

	punctuation = strings.NewReplacer(
		"\r", " ", "\n", " ", "\t", " ", ".", " ", ",", " ", ":", " ", ";", " ",
		"!", " ", "?", " ", "-", " ", "_", " ", "<", " ", ">", " ", "[", " ",
		"]", " ", "{", " ", "}", " ", "(", " ", ")", " ", "'", " ", `"`, " ",
		"$", " ", "&", " ", "^", " ", "*", " ", "+", " ", "=", " ", `\`, " ",
		"|", " ", "/", " ", "`", " ", "@", " ", "#", " ", "%", " ",
	)

	subscribePrefixes   = []string{"sub", "подп"}
	unsubscribePrefixes = []string{"unsub", "отпи"}
)

// Classifier matches senders against trusted sources and bodies against
// subscription keywords.
type Classifier struct {
	sources map[string]struct{}
}

// New builds a classifier. An empty source list never yields Dispatch.
func New(sources []string) *Classifier {
	set := make(map[string]struct{}, len(sources))
	for _, source := range sources {
		trimmed := strings.ToLower(strings.TrimSpace(source))
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}

	return &Classifier{sources: set}
}

// Classify inspects the From header and the message body. Trusted senders
// always dispatch; otherwise a subscribe keyword wins over an unsubscribe one.
func (c *Classifier) Classify(from string, body string) Result {
	sender := ExtractSender(from)
	if _, ok := c.sources[sender]; ok && sender != "" {
		return Result{Disposition: Dispatch, Sender: sender}
	}

	tokens := Tokenize(body)
	switch {
	case countPrefixed(tokens, subscribePrefixes) > 0:
		return Result{Disposition: Subscribe, Sender: sender}
	case countPrefixed(tokens, unsubscribePrefixes) > 0:
		return Result{Disposition: Unsubscribe, Sender: sender}
	default:
		return Result{Disposition: Noise, Sender: sender}
	}
}

// ExtractSender returns the first address found in a From header, lowercased.
func ExtractSender(from string) string {
	return strings.ToLower(addressPattern.FindString(from))
}

// Body picks the plain text part, falling back to HTML without tags.
func Body(text string, html string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}

	return StripTags(html)
}

// StripTags removes markup and decodes the common entities.
func StripTags(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
		result = strings.ReplaceAll(result, tag, "\n")
	}
	result = htmlTagPattern.ReplaceAllString(result, "")

	return strings.TrimSpace(strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	).Replace(result))
}

// Tokenize lowercases text and splits it on whitespace and punctuation.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(punctuation.Replace(text)))
}

func countPrefixed(tokens []string, prefixes []string) int {
	count := 0
	for _, token := range tokens {
		for _, prefix := range prefixes {
			if strings.HasPrefix(token, prefix) {
				count++
				break
			}
		}
	}

	return count
}
