package codes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringKnownCodes(t *testing.T) {
	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "NotFound", NotFound.String())
	assert.Equal(t, "Internal", Internal.String())
}

func TestStringUnknownCodeFallsBackToNumeric(t *testing.T) {
	assert.Equal(t, "Code(999)", Code(999).String())
}
