// Package detect classifies submitted code as a long-lived web service.
//
// Detection is a pure function over the code text and the requested package
// set. The supported frameworks form a closed table; each entry carries the
// framework's fixed internal port and start-command template. Adding a
// framework means adding one table entry and one test.
package detect
