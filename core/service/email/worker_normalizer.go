package mail

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"inbox_worker/core/domain"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMaxLength bounds the body excerpt sent to the model.
const DefaultMaxLength = 2000

// NormalizeOptions controls GetEmailForLLM.
type NormalizeOptions struct {
	// MaxLength is the maximum number of characters of content; <= 0 means DefaultMaxLength.
	MaxLength int
	// ExtractReply drops quoted reply chains ("On ... wrote:", "> ..." lines).
	ExtractReply bool
	// RemoveForwarded drops forwarded message blocks.
	RemoveForwarded bool
}

// DefaultNormalizeOptions is what the rule engine uses.
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{MaxLength: DefaultMaxLength, ExtractReply: true}
}

// GetEmailForLLM projects a parsed message into the bounded view prompts are
// built from. The result depends only on msg and opts.
func GetEmailForLLM(msg *domain.ParsedMessage, opts NormalizeOptions) *domain.EmailForLLM {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}

	content := bestBody(msg)
	if opts.ExtractReply {
		content = RemoveQuotedContent(content)
	}
	if opts.RemoveForwarded {
		content = RemoveForwardedContent(content)
	}
	content = Truncate(collapseBlankLines(content), opts.MaxLength)

	return &domain.EmailForLLM{
		ID:      msg.ID,
		From:    msg.Headers.From,
		To:      msg.Headers.To,
		Cc:      msg.Headers.Cc,
		Subject: msg.Headers.Subject,
		Content: content,
		Date:    msg.InternalDate,
	}
}

// bestBody prefers plain text, then text extracted from HTML, then the snippet.
func bestBody(msg *domain.ParsedMessage) string {
	if strings.TrimSpace(msg.TextPlain) != "" {
		return normalizeNewlines(msg.TextPlain)
	}
	if strings.TrimSpace(msg.TextHTML) != "" {
		if text := HTMLToText(msg.TextHTML); text != "" {
			return text
		}
	}
	return strings.TrimSpace(msg.Snippet)
}

// Truncate cuts s to at most max characters (runes) and trims trailing
// whitespace. max <= 0 disables the cut.
func Truncate(s string, max int) string {
	if max > 0 && utf8.RuneCountInString(s) > max {
		runes := []rune(s)
		s = string(runes[:max])
	}
	return strings.TrimRightFunc(s, unicode.IsSpace)
}

// =============================================================================
// Quoted and forwarded content
// =============================================================================

var (
	onWroteStart   = regexp.MustCompile(`^On\s.+`)
	wroteEnd       = regexp.MustCompile(`(?i)wrote:\s*$`)
	originalHeader = regexp.MustCompile(`(?i)^-{2,}\s*Original Message\s*-{2,}`)
	forwardHeader  = regexp.MustCompile(`(?i)^-{2,}\s*Forwarded message\s*-{2,}|^Begin forwarded message:`)
	outlookFrom    = regexp.MustCompile(`^\*?From:\*?\s`)
	outlookSent    = regexp.MustCompile(`^\*?(Sent|Date):\*?\s`)
	blankRun       = regexp.MustCompile(`\n{3,}`)
)

// RemoveQuotedContent drops the quoted reply chain of a plain-text body: it
// cuts at the first "On ... wrote:" line (possibly wrapped over two lines),
// an "Original Message" separator or an Outlook From:/Sent: header block,
// and removes "> " quoted lines. When unquoted text follows the quote block
// of an "On ... wrote:" line, only the marker and quotes are dropped so
// inline answers survive.
func RemoveQuotedContent(text string) string {
	lines := strings.Split(normalizeNewlines(text), "\n")

	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if onWroteStart.MatchString(line) {
			end := -1
			if wroteEnd.MatchString(line) {
				end = i + 1
			} else if i+1 < len(lines) && wroteEnd.MatchString(strings.TrimSpace(lines[i+1])) {
				end = i + 2
			}
			if end >= 0 {
				if !replyFollowsQuote(lines[end:]) {
					break
				}
				// Drop the marker; the quoted lines are skipped below.
				i = end - 1
				continue
			}
		}
		if originalHeader.MatchString(line) {
			break
		}
		if outlookFrom.MatchString(line) && hasSentHeader(lines[i+1:]) {
			break
		}
		if strings.HasPrefix(line, ">") {
			continue
		}

		kept = append(kept, lines[i])
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// replyFollowsQuote reports whether lines open with a "> " quote block that
// is followed by unquoted text, i.e. an answer written inline below the quote.
func replyFollowsQuote(lines []string) bool {
	quoted := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		switch {
		case l == "":
		case strings.HasPrefix(l, ">"):
			quoted = true
		case quoted:
			return true
		default:
			return false
		}
	}
	return false
}

// hasSentHeader reports whether a Sent:/Date: header follows within the next few lines.
func hasSentHeader(lines []string) bool {
	for i := 0; i < len(lines) && i < 4; i++ {
		if outlookSent.MatchString(strings.TrimSpace(lines[i])) {
			return true
		}
	}
	return false
}

// RemoveForwardedContent cuts at the first forwarded-message separator. When
// nothing precedes the separator the text is returned unchanged, since the
// forwarded message is then the whole content.
func RemoveForwardedContent(text string) string {
	lines := strings.Split(normalizeNewlines(text), "\n")
	for i, line := range lines {
		if forwardHeader.MatchString(strings.TrimSpace(line)) {
			before := strings.TrimSpace(strings.Join(lines[:i], "\n"))
			if before == "" {
				return strings.TrimSpace(text)
			}
			return before
		}
	}
	return strings.TrimSpace(text)
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(blankRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// =============================================================================
// HTML
// =============================================================================

var skippedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Title:    true,
	atom.Noscript: true,
	atom.Template: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Tr: true, atom.Li: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Blockquote: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Hr: true, atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Pre: true,
}

// HTMLToText renders an HTML body as plain text. Scripts, styles and the
// head are dropped, block elements become line breaks and links keep their
// target when it differs from the link text.
func HTMLToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(collapseSpaces(n.Data))
			return
		case html.ElementNode:
			if skippedElements[n.DataAtom] {
				return
			}
			if blockElements[n.DataAtom] {
				sb.WriteString("\n")
			}
			if n.DataAtom == atom.Li {
				sb.WriteString("- ")
			}
			if n.DataAtom == atom.A {
				writeLink(&sb, n)
				return
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			sb.WriteString("\n")
		}
	}
	walk(doc)

	lines := strings.Split(sb.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(collapseSpaces(line))
	}
	return collapseBlankLines(strings.Join(lines, "\n"))
}

func writeLink(sb *strings.Builder, n *html.Node) {
	var text strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			text.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	label := strings.TrimSpace(collapseSpaces(text.String()))
	href := ""
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			href = strings.TrimSpace(attr.Val)
		}
	}

	switch {
	case label == "":
		return
	case href == "" || href == label || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "#"):
		sb.WriteString(label)
	default:
		fmt.Fprintf(sb, "%s (%s)", label, href)
	}
}

// collapseSpaces folds every whitespace run, newlines included, into one space.
func collapseSpaces(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				sb.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// =============================================================================
// Prompt rendering
// =============================================================================

// StringifyEmail renders an email as the tagged block prompts embed. Empty
// headers are omitted; content is cut to maxLength.
func StringifyEmail(e *domain.EmailForLLM, maxLength int) string {
	var parts []string
	add := func(tag, value string) {
		if value != "" {
			parts = append(parts, fmt.Sprintf("<%s>%s</%s>", tag, value, tag))
		}
	}

	add("from", e.From)
	add("to", e.To)
	add("cc", e.Cc)
	if !e.Date.IsZero() {
		add("date", e.Date.UTC().Format("2006-01-02 15:04 MST"))
	}
	add("subject", e.Subject)
	add("body", Truncate(e.Content, maxLength))

	return strings.Join(parts, "\n")
}

// StringifyEmailSimple is the plain From/Subject/Body form used in
// correction prompts and summaries.
func StringifyEmailSimple(e *domain.EmailForLLM) string {
	return fmt.Sprintf("From: %s\nSubject: %s\nBody: %s", e.From, e.Subject, e.Content)
}
