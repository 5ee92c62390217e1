package launcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntryPoint(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		extra       []string
		want        EntryPoint
		interpreter bool
		wantErr     bool
	}{
		{name: "self", raw: "self", want: EntryPoint{Program: "self", Args: []string{}}},
		{name: "self with serve flags", raw: "self --ledger :memory:", want: EntryPoint{Program: "self", Args: []string{"--ledger", ":memory:"}}},
		{name: "script", raw: "app.py", extra: []string{"--reload"}, want: EntryPoint{Program: "app.py", Args: []string{"--reload"}}, interpreter: true},
		{name: "uppercase script suffix", raw: "Main.PY", want: EntryPoint{Program: "Main.PY", Args: []string{}}, interpreter: true},
		{name: "module", raw: "-m uvicorn api.index:app", want: EntryPoint{Program: "-m", Args: []string{"uvicorn", "api.index:app"}}, interpreter: true},
		{name: "console script", raw: "  uvicorn   api.index:app ", want: EntryPoint{Program: "uvicorn", Args: []string{"api.index:app"}}},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "module without name", raw: "-m", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntryPoint(tt.raw, tt.extra)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.interpreter, got.UsesInterpreter())
		})
	}
}

func TestEntryPoint_Command(t *testing.T) {
	exe := func() (string, error) { return "/opt/dil", nil }

	program, args, err := EntryPoint{Program: "self"}.command(exe, "0.0.0.0", 9000)
	require.NoError(t, err)
	assert.Equal(t, "/opt/dil", program)
	assert.Equal(t, []string{"serve", "--host", "0.0.0.0", "--port", "9000"}, args)

	program, args, err = EntryPoint{Program: "-m", Args: []string{"app"}}.command(exe, "localhost", 8000)
	require.NoError(t, err)
	assert.Empty(t, program)
	assert.Equal(t, []string{"-m", "app"}, args)

	program, args, err = EntryPoint{Program: "uvicorn", Args: []string{"app:app"}}.command(exe, "localhost", 8000)
	require.NoError(t, err)
	assert.Equal(t, "uvicorn", program)
	assert.Equal(t, []string{"app:app"}, args)

	_, _, err = EntryPoint{Program: "self"}.command(func() (string, error) { return "", errors.New("no exe") }, "localhost", 8000)
	assert.Error(t, err)
}

func TestEntryPoint_String(t *testing.T) {
	assert.Equal(t, "-m uvicorn app:app", EntryPoint{Program: "-m", Args: []string{"uvicorn", "app:app"}}.String())
	assert.Equal(t, "self", EntryPoint{Program: "self"}.String())
}
