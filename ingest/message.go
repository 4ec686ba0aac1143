package ingest

import (
	"bytes"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/migadu/quail/helpers"
	"github.com/migadu/quail/logger"
)

// ParsedMessage is the header view of an inbound message plus the parsed
// entity for a single body walk. Malformed MIME never fails ingest: a
// message that does not parse at all yields empty headers and no entity.
type ParsedMessage struct {
	FromHeader string
	Subject    string
	Date       string
	MessageID  string

	entity *message.Entity
}

// Parse reads a raw message. Unknown charsets and truncated structures are
// tolerated; the returned ParsedMessage is always usable.
func Parse(raw []byte) *ParsedMessage {
	parsed := &ParsedMessage{}
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		logger.Warn("failed to parse message structure", "error", err)
		if entity == nil {
			return parsed
		}
	}
	parsed.entity = entity
	parsed.FromHeader = helpers.SanitizeUTF8(entity.Header.Get("From"))
	parsed.Subject = helpers.SanitizeUTF8(entity.Header.Get("Subject"))
	parsed.Date = helpers.SanitizeUTF8(entity.Header.Get("Date"))
	parsed.MessageID = helpers.SanitizeUTF8(entity.Header.Get("Message-Id"))
	return parsed
}

// FromAddress returns the first parseable address in the From header, or "".
func (m *ParsedMessage) FromAddress() string {
	return helpers.ExtractPrimaryAddress(m.FromHeader)
}

// FromDomain returns the lowercased domain of the From address, or "".
func (m *ParsedMessage) FromDomain() string {
	return helpers.ExtractDomain(m.FromAddress())
}
