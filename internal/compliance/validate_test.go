package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUpload(t *testing.T) {
	assert.NoError(t, ValidateUpload("router.xml", 10, 1024))
	assert.NoError(t, ValidateUpload("ROUTER.XML", 10, 0))

	tests := []struct {
		name     string
		filename string
		size     int64
		msg      string
	}{
		{"no name", "", 10, "No file selected"},
		{"wrong type", "router.json", 10, "File must be XML"},
		{"empty", "router.xml", 0, "File is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.filename, tt.size, 1024)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.msg, ve.Msg)
			assert.False(t, ve.TooLarge)
		})
	}

	err := ValidateUpload("big.xml", 2048, 1024)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.TooLarge)
	assert.Equal(t, "File is 2.0 KiB, limit is 1.0 KiB", ve.Msg)
}
