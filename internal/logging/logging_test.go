package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***e@e*****e.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "**@*.io", MaskEmail("ab@x.io"))
	assert.Equal(t, "not-an-email", MaskEmail("not-an-email"))
}

func TestNewWithWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Str("account_id", "acc-1").Msg("shown")
	assert.Contains(t, buf.String(), `"account_id":"acc-1"`)
	assert.Contains(t, buf.String(), `"service":"mailmirror"`)
}
