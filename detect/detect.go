package detect

import (
	"fmt"
	"strings"
)

// ServiceType identifies a supported web framework.
type ServiceType string

// Supported service types. The set is closed: a type outside this list never
// leaves Detect.
const (
	TypeStreamlit ServiceType = "streamlit"
	TypeFastAPI   ServiceType = "fastapi"
	TypeFlask     ServiceType = "flask"
	TypeDash      ServiceType = "dash"
)

// Descriptor describes how to start and reach a detected web service.
type Descriptor struct {
	Type         ServiceType
	InternalPort int

	startTemplate string
}

// StartCommand renders the framework's start command for the given script
// path. The template is fixed per framework and parameterized only by the
// script path.
func (d Descriptor) StartCommand(scriptPath string) string {
	return fmt.Sprintf(d.startTemplate, scriptPath)
}

// rule pairs a descriptor template with its match predicate.
type rule struct {
	descriptor Descriptor
	matches    func(code string, packages map[string]bool) bool
}

// rules is evaluated in order; the first match wins. Order matters because
// code may superficially match several frameworks (a Streamlit app importing
// requests, a Dash app built on Flask).
var rules = []rule{
	{
		descriptor: Descriptor{
			Type:          TypeStreamlit,
			InternalPort:  8501,
			startTemplate: "streamlit run %s --server.port=8501 --server.address=0.0.0.0 --server.headless=true --browser.gatherUsageStats=false",
		},
		matches: func(code string, packages map[string]bool) bool {
			return packages["streamlit"] || strings.Contains(code, "import streamlit as st")
		},
	},
	{
		descriptor: Descriptor{
			Type:          TypeFastAPI,
			InternalPort:  8000,
			startTemplate: "python %s",
		},
		matches: func(_ string, packages map[string]bool) bool {
			return packages["fastapi"] && packages["uvicorn"]
		},
	},
	{
		descriptor: Descriptor{
			Type:          TypeFlask,
			InternalPort:  5000,
			startTemplate: "python %s",
		},
		matches: func(_ string, packages map[string]bool) bool {
			return packages["flask"]
		},
	},
	{
		descriptor: Descriptor{
			Type:          TypeDash,
			InternalPort:  8050,
			startTemplate: "python %s",
		},
		matches: func(_ string, packages map[string]bool) bool {
			return packages["dash"] && packages["plotly"]
		},
	},
}

// Detect classifies (code, packages) as a web service. It is deterministic,
// total, and never panics; ok is false for a plain script.
func Detect(code string, packages []string) (Descriptor, bool) {
	set := make(map[string]bool, len(packages))
	for _, p := range packages {
		set[strings.ToLower(strings.TrimSpace(p))] = true
	}

	for _, r := range rules {
		if r.matches(code, set) {
			return r.descriptor, true
		}
	}
	return Descriptor{}, false
}
