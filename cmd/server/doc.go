// Package main is the entry point for the runbox server.
//
// Runbox executes untrusted Python code in hardened Docker containers,
// reusing containers per installed-package set. Code that starts a supported
// web framework (Streamlit, FastAPI, Flask, Dash) is hosted on a leased port
// and reverse-proxied under a stable /proxy/{id} URL, WebSockets included.
// The platform is reachable over HTTP and, optionally, the Model Context
// Protocol.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
