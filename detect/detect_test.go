package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		packages []string
		wantType ServiceType
		wantPort int
		wantOK   bool
	}{
		{
			name:     "StreamlitByPackage",
			code:     "print('hi')",
			packages: []string{"streamlit"},
			wantType: TypeStreamlit,
			wantPort: 8501,
			wantOK:   true,
		},
		{
			name:     "StreamlitByAlias",
			code:     "import streamlit as st\nst.title('demo')",
			packages: nil,
			wantType: TypeStreamlit,
			wantPort: 8501,
			wantOK:   true,
		},
		{
			name:     "FastAPIRequiresUvicorn",
			code:     "from fastapi import FastAPI",
			packages: []string{"fastapi"},
			wantOK:   false,
		},
		{
			name:     "FastAPI",
			code:     "from fastapi import FastAPI\napp = FastAPI()",
			packages: []string{"fastapi", "uvicorn"},
			wantType: TypeFastAPI,
			wantPort: 8000,
			wantOK:   true,
		},
		{
			name:     "Flask",
			code:     "from flask import Flask",
			packages: []string{"flask"},
			wantType: TypeFlask,
			wantPort: 5000,
			wantOK:   true,
		},
		{
			name:     "DashRequiresPlotly",
			code:     "import dash",
			packages: []string{"dash"},
			wantOK:   false,
		},
		{
			name:     "Dash",
			code:     "import dash",
			packages: []string{"dash", "plotly"},
			wantType: TypeDash,
			wantPort: 8050,
			wantOK:   true,
		},
		{
			name:     "PlainScript",
			code:     "print('hello')",
			packages: []string{"numpy", "pandas"},
			wantOK:   false,
		},
		{
			name:     "EmptyInput",
			code:     "",
			packages: nil,
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, ok := Detect(tt.code, tt.packages)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantType, desc.Type)
				assert.Equal(t, tt.wantPort, desc.InternalPort)
			}
		})
	}
}

// Streamlit wins over Flask when code matches both: a Dash or Streamlit app
// often carries flask as a transitive install.
func TestDetectFirstMatchWins(t *testing.T) {
	desc, ok := Detect("import streamlit as st", []string{"streamlit", "flask"})
	require.True(t, ok)
	assert.Equal(t, TypeStreamlit, desc.Type)

	desc, ok = Detect("import dash", []string{"dash", "plotly", "flask"})
	require.True(t, ok)
	assert.Equal(t, TypeFlask, desc.Type, "flask precedes dash in the rule table")
}

func TestDetectDeterministic(t *testing.T) {
	code := "import streamlit as st"
	packages := []string{"streamlit", "numpy"}

	first, ok1 := Detect(code, packages)
	second, ok2 := Detect(code, packages)
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, first, second)
}

func TestDetectPackageNormalization(t *testing.T) {
	desc, ok := Detect("", []string{" Streamlit "})
	require.True(t, ok)
	assert.Equal(t, TypeStreamlit, desc.Type)
}

func TestStartCommand(t *testing.T) {
	desc, ok := Detect("", []string{"streamlit"})
	require.True(t, ok)
	cmd := desc.StartCommand("/tmp/app.py")
	assert.Contains(t, cmd, "streamlit run /tmp/app.py")
	assert.Contains(t, cmd, "--server.port=8501")
	assert.Contains(t, cmd, "--server.address=0.0.0.0")

	desc, ok = Detect("", []string{"flask"})
	require.True(t, ok)
	assert.Equal(t, "python /tmp/app.py", desc.StartCommand("/tmp/app.py"))
}
