package imap

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/jhillyerd/enmime"
	"github.com/microcosm-cc/bluemonday"
	"github.com/vdavid/aliasmail/internal/models"
)

const degradedSubject = "(message could not be parsed)"

var (
	sanitizer      = bluemonday.UGCPolicy()
	spaceRegex     = regexp.MustCompile(`[^\S\n]+`)
	blankLineRegex = regexp.MustCompile(`\n{3,}`)
)

// Parse converts a fetched message into the cached form for alias.
// It never fails: when the MIME structure cannot be read it returns a degraded
// message carrying whatever header fields could be salvaged.
func Parse(raw *RawMessage, alias string) models.Message {
	msg := models.Message{
		ID:         MessageKey(raw),
		Alias:      alias,
		Folder:     raw.Folder,
		ReceivedAt: raw.InternalDate,
	}

	header, headerErr := readHeader(raw.Body)
	if header != nil {
		applyHeader(&msg, header)
	}
	if len(msg.To) == 0 {
		msg.To = append(msg.To, raw.Recipients...)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if raw.HeaderOnly || len(raw.Body) == 0 {
		msg.Degraded = true
		if msg.Subject == "" && headerErr != nil {
			msg.Subject = degradedSubject
		}
		return msg
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		msg.Degraded = true
		if msg.Subject == "" && header == nil {
			msg.Subject = degradedSubject
		}
		return msg
	}

	applyBody(&msg, envelope)
	return msg
}

// MessageKey identifies a message within an account. It prefers the Message-ID
// header and falls back to folder, UIDVALIDITY and UID, which are stable together.
func MessageKey(raw *RawMessage) string {
	if id := normalizeMessageID(raw.MessageID); id != "" {
		return id
	}

	if header, _ := readHeader(raw.Body); header != nil {
		if id, err := header.MessageID(); err == nil && id != "" {
			return id
		}
	}

	return fmt.Sprintf("%s/%d/%d", raw.Folder, raw.UIDValidity, raw.UID)
}

func normalizeMessageID(id string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(id), "<>"))
}

// readHeader parses only the header block. Unknown charsets still yield a usable header.
func readHeader(body []byte) (*mail.Header, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	entity, err := message.Read(bytes.NewReader(body))
	if entity == nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	return &mail.Header{Header: entity.Header}, err
}

func applyHeader(msg *models.Message, header *mail.Header) {
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	} else {
		msg.From = strings.TrimSpace(header.Get("From"))
	}

	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, strings.ToLower(addr.Address))
		}
	}

	// Subject returns the raw value alongside a decoding error, which is still better than nothing.
	subject, _ := header.Subject()
	msg.Subject = subject

	if date, err := header.Date(); err == nil && !date.IsZero() && msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = date
	}
}

func applyBody(msg *models.Message, envelope *enmime.Envelope) {
	if envelope.HTML != "" {
		msg.BodyHTML = sanitizer.Sanitize(envelope.HTML)
	}

	// enmime down-converts HTML when there is no plain part; we derive our own text instead.
	msg.BodyText = envelope.Text
	if envelope.HTML != "" && !hasPlainPart(envelope) {
		if text, err := htmlToText(envelope.HTML); err == nil {
			msg.BodyText = text
		}
	}

	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, attachmentFrom(part, false))
	}
	for _, part := range envelope.Inlines {
		msg.Attachments = append(msg.Attachments, attachmentFrom(part, true))
	}
}

func hasPlainPart(envelope *enmime.Envelope) bool {
	if envelope.Root == nil {
		return false
	}
	return envelope.Root.BreadthMatchFirst(func(p *enmime.Part) bool {
		return p.ContentType == "text/plain" && p.Disposition != "attachment"
	}) != nil
}

func attachmentFrom(part *enmime.Part, inline bool) models.Attachment {
	return models.Attachment{
		Filename:  part.FileName,
		MimeType:  part.ContentType,
		SizeBytes: int64(len(part.Content)),
		IsInline:  inline || part.ContentID != "",
		ContentID: part.ContentID,
	}
}

// htmlToText extracts readable text from an HTML body, keeping block boundaries as newlines.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := spaceRegex.ReplaceAllString(doc.Text(), " ")

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}

	text = blankLineRegex.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
	return strings.TrimSpace(text), nil
}
