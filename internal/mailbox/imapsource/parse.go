package imapsource

import (
	"bytes"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/BearBump/TrackMail/internal/models"
)

// ParseMessage turns a raw RFC 5322 message into an email record.
// The body is the first text/plain part, or the first text/html part rendered to text.
func ParseMessage(uid uint32, internalDate time.Time, raw []byte) (models.Email, error) {
	if len(raw) == 0 {
		return models.Email{}, errors.New("empty message")
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return models.Email{}, errors.Wrap(err, "read message")
	}
	defer mr.Close()

	email := models.Email{UID: uid, Date: internalDate}
	if subject, err := mr.Header.Subject(); err == nil {
		email.Subject = strings.TrimSpace(subject)
	} else {
		email.Subject = strings.TrimSpace(mr.Header.Get("Subject"))
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
	} else {
		email.From = strings.TrimSpace(mr.Header.Get("From"))
	}
	if d, err := mr.Header.Date(); err == nil {
		email.Date = timeOr(internalDate, d)
	}

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		// неизвестную кодировку читаем как есть
		if err != nil && !(message.IsUnknownCharset(err) && part != nil) {
			return email, errors.Wrap(err, "next part")
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain" && plain == "":
			plain = string(b)
		case ct == "text/html" && htmlBody == "":
			htmlBody = string(b)
		case ct == "" && plain == "":
			plain = string(b)
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		email.Body = strings.TrimSpace(plain)
	case htmlBody != "":
		email.Body = HTMLToText(htmlBody)
	}
	return email, nil
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Tr: true, atom.Li: true,
	atom.Table: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.Td: true, atom.Th: true,
}

// HTMLToText keeps the visible text of an HTML document, one block per line.
func HTMLToText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			lines = append(lines, strings.Join(f, " "))
		}
	}
	return strings.Join(lines, "\n")
}
