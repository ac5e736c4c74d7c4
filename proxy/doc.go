// Package proxy routes external HTTP and WebSocket traffic to web services
// running inside pooled containers. Services register under the first 8
// characters of their container id; requests arrive as /proxy/{shortId}/...
// and are forwarded to the leased host port with the prefix stripped.
//
// Frameworks that load assets from absolute paths (Streamlit's _stcore
// bundle, Dash's _dash-component-suites) fetch them without the proxy
// prefix. The router recognizes those asset paths and falls back to the most
// recently registered service that serves them.
package proxy
