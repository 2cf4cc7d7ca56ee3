package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iso = `Control_ID,Title,Description,Category,Keywords
A.5.15,Access control,Rules to control access,Organizational,"user; role, acl"
A.8.20,Networks security,Networks shall be secured,Technological,interface;vlan
,,,,
A.8.24,Use of cryptography,Rules for cryptography,Technological,
`

func TestParse(t *testing.T) {
	controls, err := Parse(strings.NewReader(iso))
	require.NoError(t, err)
	require.Len(t, controls, 3)

	assert.Equal(t, "A.5.15", controls[0].ID)
	assert.Equal(t, "Access control", controls[0].Title)
	assert.Equal(t, "Organizational", controls[0].Category)
	assert.Equal(t, []string{"user", "role", "acl"}, controls[0].Keywords)
	assert.Equal(t, []string{"interface", "vlan"}, controls[1].Keywords)
	assert.Nil(t, controls[2].Keywords)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"missing columns", "description,category\nx,y\n"},
		{"header only", "control_id,title\n"},
		{"missing id", "control_id,title\n,Orphan\n"},
		{"duplicate id", "control_id,title\nA.1,One\nA.1,Again\n"},
		{"bad quoting", "control_id,title\n\"A.1,One\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestCSVLoader_ReloadsEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controls.csv")
	require.NoError(t, os.WriteFile(path, []byte("control_id,title\nA.1,One\n"), 0o644))

	l := CSVLoader{}
	first, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, os.WriteFile(path, []byte("control_id,title\nA.1,One\nA.2,Two\n"), 0o644))
	second, err := l.Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	_, err = l.Load(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
